package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"apphost/internal/mcp"
	"apphost/internal/session"

	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var appID string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect to an app and list its tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close()

			app, err := rt.connect(ctx, appID)
			if err != nil {
				return err
			}
			printTools(cmd.OutOrStdout(), app)
			return nil
		},
	}
	cmd.Flags().StringVar(&appID, "app", "", "app id from the config file")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		appID    string
		toolName string
		rawArgs  []string
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Invoke a tool, asking for missing parameters on stdin",
		Example: `  apphost call --app weather --tool get_forecast --arg city=Paris --arg days=3
  apphost call --app weather --tool get_forecast`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := setup(ctx, params == nil)
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.connect(ctx, appID); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			outcome, err := rt.session.Invoke(ctx, appID, toolName, params)
			if err != nil {
				return err
			}
			if outcome.Kind == session.OutcomeExecuted {
				return printOutcome(out, outcome)
			}

			fmt.Fprintf(out, "%s needs %s.\n", outcome.Tool.DisplayTitle(), strings.Join(outcome.Missing, ", "))
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					if err := scanner.Err(); err != nil {
						return err
					}
					return fmt.Errorf("input closed before %s could run", toolName)
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				reply, err := rt.session.HandleMessage(ctx, line)
				if err != nil {
					return err
				}
				if reply.Outcome != nil {
					return printOutcome(out, reply.Outcome)
				}
				fmt.Fprintln(out, reply.Text)
			}
		},
	}
	cmd.Flags().StringVar(&appID, "app", "", "app id from the config file")
	cmd.Flags().StringVar(&toolName, "tool", "", "tool name")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "tool argument as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

// parseArgs turns key=value pairs into tool arguments. Values that parse as
// JSON keep their JSON type; anything else is a string. No pairs means nil.
func parseArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil && decoded != nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func printTools(w io.Writer, app *session.App) {
	fmt.Fprintf(w, "%s (%s)\n", app.Name, app.ServerURL)
	if app.Instructions != "" {
		fmt.Fprintf(w, "  %s\n", app.Instructions)
	}
	if len(app.Tools) == 0 {
		fmt.Fprintln(w, "  no tools")
		return
	}
	for _, tool := range app.Tools {
		line := "  " + tool.Name
		if title := tool.DisplayTitle(); title != tool.Name {
			line += " - " + title
		}
		if required := mcp.RequiredParams(tool.InputSchema); len(required) > 0 {
			line += " [requires: " + strings.Join(required, ", ") + "]"
		}
		fmt.Fprintln(w, line)
		if tool.Description != "" {
			fmt.Fprintf(w, "      %s\n", tool.Description)
		}
	}
}

func printOutcome(w io.Writer, outcome *session.InvocationOutcome) error {
	text := outcome.ResultText
	if outcome.Raw != nil && len(outcome.Raw.Content) > 0 {
		text = mcp.FormatContent(outcome.Raw.Content)
	}
	if outcome.IsError {
		return fmt.Errorf("tool %s returned an error: %s", outcome.Tool.Name, text)
	}
	fmt.Fprintln(w, text)
	return nil
}
