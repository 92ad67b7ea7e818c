package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"apphost/internal/llm"
	"apphost/internal/logging"
)

// Routing actions.
const (
	ActionInvokeTool       = "invoke_tool"
	ActionModifyParameters = "modify_parameters"
	ActionRespond          = "respond"
)

// RoutingDecision is the model's choice of what to do with a message.
type RoutingDecision struct {
	Action     string         `json:"action"`
	ToolName   string         `json:"toolName,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Response   string         `json:"response,omitempty"`
}

// Reply is the result of handling one user message.
type Reply struct {
	Text     string
	Decision *RoutingDecision
	Outcome  *InvocationOutcome
}

// Classify asks the model how to handle userMessage within app. Output that
// is not a decision object becomes a respond decision carrying the raw text.
// Only a failed model call is returned as an error.
func (s *Session) Classify(ctx context.Context, userMessage string, app *App, history []llm.Turn) (RoutingDecision, error) {
	modelCtx, cancel := s.modelContext(ctx)
	defer cancel()

	resp, err := s.delegate.GenerateResponseWithHistory(modelCtx, routingPrompt(app, userMessage), llm.ModelFast, history)
	if err != nil {
		return RoutingDecision{}, fmt.Errorf("classify message: %w", err)
	}

	decision, err := parseDecision(resp)
	if err != nil {
		logging.Warn("routing decision not parsed", "app", app.ID, "error", err)
		return RoutingDecision{Action: ActionRespond, Response: resp}, nil
	}
	return decision, nil
}

func parseDecision(resp string) (RoutingDecision, error) {
	var decision RoutingDecision
	if err := json.Unmarshal([]byte(stripCodeFence(resp)), &decision); err != nil {
		return RoutingDecision{}, fmt.Errorf("%w: %w", ErrRoutingDecisionParse, err)
	}
	decision.Action = strings.TrimSpace(decision.Action)
	if decision.Action == "" {
		return RoutingDecision{}, fmt.Errorf("%w: missing action", ErrRoutingDecisionParse)
	}
	return decision, nil
}

// Route classifies userMessage and carries out the decision.
func (s *Session) Route(ctx context.Context, userMessage string, app *App, history []llm.Turn) (*Reply, error) {
	decision, err := s.Classify(ctx, userMessage, app, history)
	if err != nil {
		return nil, err
	}
	s.metrics.RoutingDecision(decision.Action)
	logging.Debug("message routed", "app", app.ID, "action", decision.Action, "tool", decision.ToolName)

	reply := &Reply{Decision: &decision}

	switch decision.Action {
	case ActionInvokeTool:
		outcome, err := s.invoke(ctx, app.ID, decision.ToolName, nil, decision.Parameters)
		if err != nil {
			return nil, err
		}
		reply.Outcome = outcome
		reply.Text = outcomeText(outcome)
		return reply, nil

	case ActionModifyParameters:
		outcome, err := s.modifyLast(ctx, app.ID, decision.Parameters)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			reply.Outcome = outcome
			reply.Text = outcomeText(outcome)
			return reply, nil
		}
		logging.Debug("nothing to modify, responding instead", "app", app.ID)
	}

	if decision.Response != "" {
		reply.Text = decision.Response
		return reply, nil
	}

	modelCtx, cancel := s.modelContext(ctx)
	defer cancel()
	text, err := s.delegate.GenerateResponseWithHistory(modelCtx, contextPrompt(app, userMessage), llm.ModelDefault, history)
	if err != nil {
		return nil, fmt.Errorf("contextual reply: %w", err)
	}
	reply.Text = text
	return reply, nil
}

// modifyLast re-runs the last invocation on appID with changes merged over
// its arguments. It returns nil when there is nothing to modify.
func (s *Session) modifyLast(ctx context.Context, appID string, changes map[string]any) (*InvocationOutcome, error) {
	if len(changes) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	last := s.lastInvoked
	app, ok := s.connectedLocked(appID)
	s.mu.Unlock()
	if last == nil || last.AppID != appID || !ok {
		return nil, nil
	}
	tool, ok := app.Tool(last.Tool.Name)
	if !ok {
		return nil, nil
	}

	args := copyArgs(last.Parameters)
	if args == nil {
		args = make(map[string]any, len(changes))
	}
	for k, v := range changes {
		args[k] = v
	}

	logging.Info("re-running tool with modified parameters", "app", appID, "tool", tool.Name, "changed", sortedKeys(changes))
	s.events.publish(ToolInvoked{Header: newHeader(appID), Tool: tool})
	return s.execute(ctx, app, tool, args)
}

func outcomeText(outcome *InvocationOutcome) string {
	if outcome.Kind == OutcomeCollectionStarted {
		return missingQuestion(outcome.Missing)
	}
	return outcome.ResultText
}

// HandleMessage is the entry point for free text. An active collection
// consumes the message; otherwise it is routed against the current context.
// A message that was consumed by a collection which then ended is not routed
// again; ErrCollectionAbandoned is returned instead.
func (s *Session) HandleMessage(ctx context.Context, text string) (*Reply, error) {
	followUp, outcome, err := s.continueTurn(ctx, text)
	switch {
	case err == nil:
		return &Reply{Text: followUp, Outcome: outcome}, nil
	case !errors.Is(err, ErrNoActiveCollection):
		return nil, err
	}

	s.mu.Lock()
	appID := s.current
	app, ok := s.connectedLocked(appID)
	history := append([]llm.Turn(nil), s.history...)
	s.mu.Unlock()

	if appID == "" {
		return nil, ErrNoContext
	}
	if !ok {
		return nil, &InvokeError{AppID: appID, Err: ErrAppNotConnected}
	}

	reply, err := s.Route(ctx, text, app, history)
	if err != nil {
		return nil, err
	}
	s.appendHistory(appID,
		llm.Turn{Role: llm.RoleUser, Text: text},
		llm.Turn{Role: llm.RoleModel, Text: reply.Text})
	return reply, nil
}
