package session

import (
	"context"
	"fmt"

	"apphost/internal/llm"
	"apphost/internal/logging"
	"apphost/internal/mcp"
)

// collectionState is the single active parameter collection.
type collectionState struct {
	appID     string
	tool      *mcp.ToolInfo
	required  []string
	collected map[string]any
	turns     []llm.Turn
}

func newCollectionState(appID string, tool *mcp.ToolInfo, required []string, inferred map[string]any) *collectionState {
	collected := copyArgs(inferred)
	if collected == nil {
		collected = make(map[string]any)
	}
	return &collectionState{
		appID:     appID,
		tool:      tool,
		required:  append([]string(nil), required...),
		collected: collected,
	}
}

func (c *collectionState) remaining() []string {
	return missingParams(c.required, c.collected)
}

func missingParams(required []string, have map[string]any) []string {
	var missing []string
	for _, name := range required {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// CollectionSnapshot is a copy of the active collection.
type CollectionSnapshot struct {
	AppID     string
	Tool      *mcp.ToolInfo
	Required  []string
	Collected map[string]any
	Missing   []string
}

// Collection returns the active collection, if any.
func (s *Session) Collection() (CollectionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection
	if c == nil {
		return CollectionSnapshot{}, false
	}
	return CollectionSnapshot{
		AppID:     c.appID,
		Tool:      c.tool,
		Required:  append([]string(nil), c.required...),
		Collected: copyArgs(c.collected),
		Missing:   c.remaining(),
	}, true
}

// ContinueTurn feeds one user message to the active collection. It returns
// the follow-up text to show, or "" when the collection completed and the
// tool was executed; the result is then published as a ToolResult event.
func (s *Session) ContinueTurn(ctx context.Context, userMessage string) (string, error) {
	reply, _, err := s.continueTurn(ctx, userMessage)
	return reply, err
}

func (s *Session) continueTurn(ctx context.Context, userMessage string) (string, *InvocationOutcome, error) {
	s.mu.Lock()
	state := s.collection
	if state == nil {
		s.mu.Unlock()
		return "", nil, ErrNoActiveCollection
	}
	remaining := state.remaining()
	collectedKeys := sortedKeys(state.collected)
	turns := append([]llm.Turn(nil), state.turns...)
	s.mu.Unlock()

	if len(remaining) == 0 {
		return "", nil, fmt.Errorf("collection for %s has no remaining parameters", state.tool.Name)
	}

	ex, err := s.extract(ctx, state.tool, remaining, collectedKeys, turns, userMessage)
	if err != nil {
		s.metrics.CollectionTurn("failed")
		return "", nil, fmt.Errorf("parameter extraction for %s: %w", state.tool.Name, err)
	}

	s.mu.Lock()
	if s.collection != state {
		s.mu.Unlock()
		s.metrics.CollectionTurn("abandoned")
		logging.Info("collection ended during extraction", "app", state.appID, "tool", state.tool.Name)
		return "", nil, ErrCollectionAbandoned
	}
	for k, v := range ex.params {
		state.collected[k] = v
	}
	state.turns = append(state.turns,
		llm.Turn{Role: llm.RoleUser, Text: userMessage},
		llm.Turn{Role: llm.RoleModel, Text: ex.raw})

	missing := state.remaining()
	if len(missing) > 0 {
		s.mu.Unlock()
		s.metrics.CollectionTurn("continued")
		logging.Debug("parameters collected", "app", state.appID, "tool", state.tool.Name,
			"extracted", len(ex.params), "missing", missing)
		return followUp(ex, missing), nil, nil
	}

	s.collection = nil
	args := copyArgs(state.collected)
	app, ok := s.connectedLocked(state.appID)
	s.mu.Unlock()

	s.metrics.CollectionTurn("completed")
	if !ok {
		return "", nil, &InvokeError{AppID: state.appID, Tool: state.tool.Name, Err: ErrAppNotConnected}
	}

	logging.Info("parameter collection complete", "app", state.appID, "tool", state.tool.Name)
	outcome, err := s.execute(ctx, app, state.tool, args)
	if err != nil {
		return "", nil, err
	}
	return "", outcome, nil
}

// followUp picks the text shown while parameters are still missing.
func followUp(ex extraction, missing []string) string {
	if ex.parseFailed {
		return ex.raw
	}
	if ex.reply != "" {
		return ex.reply
	}
	return missingQuestion(missing)
}
