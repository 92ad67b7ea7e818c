package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"apphost/internal/logging"
	"apphost/internal/mcp"
)

// OutcomeKind distinguishes what an invocation did.
type OutcomeKind int

const (
	// OutcomeExecuted means the tool was called once.
	OutcomeExecuted OutcomeKind = iota + 1
	// OutcomeCollectionStarted means required parameters are being collected
	// and no call was made.
	OutcomeCollectionStarted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExecuted:
		return "executed"
	case OutcomeCollectionStarted:
		return "collection_started"
	default:
		return "unknown"
	}
}

// InvocationOutcome describes a successful Invoke.
type InvocationOutcome struct {
	Kind  OutcomeKind
	AppID string
	Tool  *mcp.ToolInfo

	// Executed
	ResultText string
	Raw        *mcp.CallToolResult
	Arguments  map[string]any
	IsError    bool

	// CollectionStarted
	Missing []string
}

// Invoke runs toolName on appID. A nil params map means no parameters were
// supplied: a tool with required parameters then starts a collection
// instead of being called. Otherwise the tool is called exactly once with
// params, or with schema defaults when params is nil.
func (s *Session) Invoke(ctx context.Context, appID, toolName string, params map[string]any) (*InvocationOutcome, error) {
	return s.invoke(ctx, appID, toolName, params, nil)
}

// invoke is Invoke with parameters inferred by the router. Inferred values
// seed a collection, or are used directly when they satisfy every required
// parameter.
func (s *Session) invoke(ctx context.Context, appID, toolName string, params, inferred map[string]any) (*InvocationOutcome, error) {
	s.mu.Lock()
	app, ok := s.connectedLocked(appID)
	if !ok {
		s.mu.Unlock()
		return nil, &InvokeError{AppID: appID, Tool: toolName, Err: ErrAppNotConnected}
	}
	tool, ok := app.Tool(toolName)
	if !ok {
		s.mu.Unlock()
		return nil, &InvokeError{AppID: appID, Tool: toolName, Err: ErrToolNotFound}
	}

	s.enterContextLocked(appID)

	required := mcp.RequiredParams(tool.InputSchema)
	var started *collectionState
	if len(required) > 0 && params == nil && len(missingParams(required, inferred)) > 0 {
		started = newCollectionState(appID, tool, required, inferred)
		if s.collection != nil {
			logging.Debug("replacing active parameter collection",
				"app", s.collection.appID, "tool", s.collection.tool.Name)
		}
		s.collection = started
	}
	s.mu.Unlock()

	s.events.publish(ToolInvoked{Header: newHeader(appID), Tool: tool})
	s.events.publish(NeedsPillsRefresh{Header: newHeader(appID)})

	if started != nil {
		missing := started.remaining()
		logging.Info("parameter collection started", "app", appID, "tool", tool.Name, "missing", missing)
		s.metrics.Invocation("collection_started")
		s.events.publish(ParameterCollectionStarted{Header: newHeader(appID), Tool: tool, Required: required})
		return &InvocationOutcome{
			Kind:    OutcomeCollectionStarted,
			AppID:   appID,
			Tool:    tool,
			Missing: missing,
		}, nil
	}

	args := params
	if args == nil {
		args = mcp.DefaultArguments(tool.InputSchema)
		for k, v := range inferred {
			args[k] = v
		}
	}
	return s.execute(ctx, app, tool, args)
}

func (s *Session) execLock(appID string) *sync.Mutex {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	lock, ok := s.execLocks[appID]
	if !ok {
		lock = &sync.Mutex{}
		s.execLocks[appID] = lock
	}
	return lock
}

// execute calls the tool once. Calls against one app are serialized.
func (s *Session) execute(ctx context.Context, app *App, tool *mcp.ToolInfo, args map[string]any) (*InvocationOutcome, error) {
	lock := s.execLock(app.ID)
	lock.Lock()
	defer lock.Unlock()

	logging.Debug("calling tool", "app", app.ID, "tool", tool.Name, "args", len(args))

	callCtx, cancel := s.protocolContext(ctx)
	start := time.Now()
	result, err := s.protocol.CallTool(callCtx, app.ServerURL, tool.Name, args, nil)
	cancel()
	s.metrics.ObserveToolCall(app.ID, time.Since(start))

	if err == nil && result == nil {
		err = errors.New("server returned no result")
	}
	if err != nil {
		s.metrics.Invocation("failed")
		logging.Warn("tool call failed", "app", app.ID, "tool", tool.Name, "error", err)
		return nil, &InvokeError{AppID: app.ID, Tool: tool.Name, Err: fmt.Errorf("%w: %w", ErrToolExecution, err)}
	}

	text := mcp.FirstText(result)

	// The context may have been cleared or moved to another app while the
	// call was in flight.
	s.mu.Lock()
	if _, ok := s.connectedLocked(app.ID); ok && s.current == app.ID {
		s.lastInvoked = &InvokedToolState{
			AppID:      app.ID,
			Tool:       tool,
			Parameters: copyArgs(args),
			Result:     text,
		}
	}
	s.mu.Unlock()

	if result.IsError {
		s.metrics.Invocation("tool_error")
	} else {
		s.metrics.Invocation("executed")
	}
	logging.Info("tool executed", "app", app.ID, "tool", tool.Name, "is_error", result.IsError)

	s.events.publish(ToolResult{
		Header:     newHeader(app.ID),
		Tool:       tool,
		ResultText: text,
		Raw:        result,
		Arguments:  copyArgs(args),
	})

	return &InvocationOutcome{
		Kind:       OutcomeExecuted,
		AppID:      app.ID,
		Tool:       tool,
		ResultText: text,
		Raw:        result,
		Arguments:  args,
		IsError:    result.IsError,
	}, nil
}
