package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"apphost/internal/robustness"
	"apphost/internal/session"

	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /apps               list apps and their status
  /connect <app>      connect a configured app
  /disconnect <app>   disconnect an app
  /use <app>          make a connected app the current context
  /leave              leave the current app
  /tools              list tools of the current app
  /history            show recent tool calls
  /quit               exit
Anything else is sent to the current app.`

func newChatCmd() *cobra.Command {
	var appID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to connected apps in an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			c := &console{w: cmd.OutOrStdout()}
			events, unsubscribe := rt.session.Subscribe(rt.cfg.Session.EventBuffer)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for e := range events {
					c.event(e)
				}
			}()
			defer func() {
				unsubscribe()
				wg.Wait()
			}()

			rt.connectAuto(ctx, appID)
			if appID != "" {
				if _, err := rt.connect(ctx, appID); err != nil {
					return err
				}
				if err := rt.session.SetContext(appID); err != nil {
					return err
				}
			}

			c.println(chatHelp)
			return runChat(ctx, rt, c, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&appID, "app", "", "app to connect and enter on start")
	return cmd
}

// console serializes output from the prompt loop and the event stream.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, a...)
}

func (c *console) printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, a...)
}

func (c *console) event(e session.Event) {
	appID := session.EventHeader(e).AppID
	switch ev := e.(type) {
	case session.ConnectionChanged:
		if ev.Err != nil {
			c.printf("[%s] %s: %v\n", appID, ev.Status, ev.Err)
			return
		}
		c.printf("[%s] %s\n", appID, ev.Status)
	case session.ToolInvoked:
		c.printf("[%s] %s...\n", appID, ev.Tool.DisplayTitle())
	case session.ParameterCollectionStarted:
		c.printf("[%s] %s needs: %s\n", appID, ev.Tool.DisplayTitle(), strings.Join(ev.Required, ", "))
	}
}

func runChat(ctx context.Context, rt *runtime, c *console, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		c.printf("%s> ", rt.session.CurrentApp())
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, rt, c, line)
			if err != nil {
				c.println("error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		reply, err := rt.session.HandleMessage(ctx, line)
		switch {
		case errors.Is(err, session.ErrNoContext):
			c.println("No app selected. Use /use <app> first.")
		case errors.Is(err, session.ErrCollectionAbandoned):
			c.println("The pending tool call was cancelled.")
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.println("error:", err)
		case reply.Text != "":
			c.println(reply.Text)
		case reply.Outcome != nil:
			c.println(reply.Outcome.ResultText)
		}
	}
}

func runCommand(ctx context.Context, rt *runtime, c *console, line string) (bool, error) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		c.println(chatHelp)
	case "/apps":
		apps := rt.session.Apps()
		if len(apps) == 0 {
			c.println("No apps connected.")
		}
		current := rt.session.CurrentApp()
		for _, app := range apps {
			marker := " "
			if app.ID == current {
				marker = "*"
			}
			entry := fmt.Sprintf("%s %s  %s  %d tools  %s", marker, app.ID, app.Status, len(app.Tools), app.ServerURL)
			if state := rt.pool.BreakerState(app.ServerURL); state != robustness.StateClosed {
				entry += "  breaker " + state.String()
			}
			c.println(entry)
		}
	case "/connect":
		if arg == "" {
			return false, errors.New("usage: /connect <app>")
		}
		_, err := rt.connect(ctx, arg)
		return false, err
	case "/disconnect":
		if arg == "" {
			return false, errors.New("usage: /disconnect <app>")
		}
		rt.session.Disconnect(arg)
	case "/use":
		if arg == "" {
			return false, errors.New("usage: /use <app>")
		}
		return false, rt.session.SetContext(arg)
	case "/leave":
		rt.session.ClearContext()
	case "/tools":
		app := rt.session.Get(rt.session.CurrentApp())
		if app == nil {
			return false, session.ErrNoContext
		}
		c.mu.Lock()
		printTools(c.w, app)
		c.mu.Unlock()
	case "/history":
		if rt.audit == nil {
			return false, errors.New("audit trail is disabled")
		}
		entries := rt.audit.Recent(10)
		if len(entries) == 0 {
			c.println("No tool calls yet.")
		}
		for _, e := range entries {
			status := "ok"
			if !e.Success {
				status = "error"
			}
			c.printf("%s  %s/%s  %s  %v\n", e.Timestamp.Format("15:04:05"), e.AppID, e.Tool, status, e.Args)
		}
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}
