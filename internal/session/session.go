// Package session orchestrates connections to tool servers, tool invocation,
// multi-turn parameter collection and message routing for one user session.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"apphost/internal/llm"
	"apphost/internal/logging"
	"apphost/internal/mcp"
	"apphost/internal/metrics"

	"github.com/google/uuid"
)

// Protocol is the tool server client a session drives.
// *mcp.Pool satisfies it.
type Protocol interface {
	Initialize(ctx context.Context, serverURL string) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, serverURL string) ([]*mcp.ToolInfo, error)
	CallTool(ctx context.Context, serverURL, toolName string, args map[string]any, meta map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, serverURL, uri string) (*mcp.ReadResourceResult, error)
}

// releaser is implemented by protocols that hold per-server connections.
type releaser interface {
	Release(serverURL string) error
}

// InvokedToolState is the most recent successful invocation.
type InvokedToolState struct {
	AppID      string
	Tool       *mcp.ToolInfo
	Parameters map[string]any
	Result     string
}

// Session owns all state for one user: connected apps, the current app
// context, the active parameter collection and the last invocation.
type Session struct {
	id       uuid.UUID
	protocol Protocol
	delegate llm.Delegate
	metrics  *metrics.Metrics
	events   *eventBus

	protocolTimeout time.Duration
	modelTimeout    time.Duration
	structured      bool
	historyLimit    int

	mu          sync.Mutex
	apps        map[string]*App
	current     string
	collection  *collectionState
	lastInvoked *InvokedToolState
	history     []llm.Turn

	execMu    sync.Mutex
	execLocks map[string]*sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics records session activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTimeouts bounds each protocol and model call. Zero means no bound.
func WithTimeouts(protocol, model time.Duration) Option {
	return func(s *Session) {
		s.protocolTimeout = protocol
		s.modelTimeout = model
	}
}

// WithStructuredOutput enables schema-constrained parameter extraction when
// the delegate supports it.
func WithStructuredOutput(enabled bool) Option {
	return func(s *Session) { s.structured = enabled }
}

// WithHistoryLimit caps the conversation turns kept for routing.
func WithHistoryLimit(n int) Option {
	return func(s *Session) { s.historyLimit = n }
}

// New creates a session.
func New(protocol Protocol, delegate llm.Delegate, opts ...Option) *Session {
	s := &Session{
		id:              uuid.New(),
		protocol:        protocol,
		delegate:        delegate,
		events:          newEventBus(),
		protocolTimeout: 30 * time.Second,
		modelTimeout:    120 * time.Second,
		historyLimit:    40,
		apps:            make(map[string]*App),
		execLocks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	logging.Debug("session created", "session", s.id)
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Subscribe returns a channel of session events and a function that
// unsubscribes and closes it.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// Close closes every subscriber channel.
func (s *Session) Close() {
	s.events.close()
}

func (s *Session) protocolContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.protocolTimeout > 0 {
		return context.WithTimeout(ctx, s.protocolTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) modelContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.modelTimeout > 0 {
		return context.WithTimeout(ctx, s.modelTimeout)
	}
	return context.WithCancel(ctx)
}

// SetContext makes appID the target of free-text turns. An empty id clears
// the context together with collection and invocation state.
func (s *Session) SetContext(appID string) error {
	if appID == "" {
		s.ClearContext()
		return nil
	}

	s.mu.Lock()
	if _, ok := s.connectedLocked(appID); !ok {
		s.mu.Unlock()
		return fmt.Errorf("set context %s: %w", appID, ErrAppNotConnected)
	}
	s.enterContextLocked(appID)
	s.mu.Unlock()

	s.events.publish(NeedsPillsRefresh{Header: newHeader(appID)})
	return nil
}

// ClearContext leaves the current app context.
func (s *Session) ClearContext() {
	s.mu.Lock()
	prev := s.current
	s.clearContextLocked()
	s.mu.Unlock()

	if prev != "" {
		logging.Info("context cleared", "app", prev)
	}
}

// CurrentApp returns the current context, or "" when none is set.
func (s *Session) CurrentApp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// IsActive reports whether an app context is set.
func (s *Session) IsActive() bool {
	return s.CurrentApp() != ""
}

// enterContextLocked switches to appID, dropping state that belongs to
// another app.
func (s *Session) enterContextLocked(appID string) {
	if s.current == appID {
		return
	}
	s.dropAppStateLocked(func(id string) bool { return id != appID })
	s.history = nil
	s.current = appID
	logging.Info("context entered", "app", appID)
}

func (s *Session) clearContextLocked() {
	s.current = ""
	s.collection = nil
	s.lastInvoked = nil
	s.history = nil
}

// dropAppStateLocked discards collection and invocation state whose app
// matches.
func (s *Session) dropAppStateLocked(match func(appID string) bool) {
	if s.collection != nil && match(s.collection.appID) {
		logging.Debug("parameter collection dropped", "app", s.collection.appID, "tool", s.collection.tool.Name)
		s.collection = nil
	}
	if s.lastInvoked != nil && match(s.lastInvoked.AppID) {
		s.lastInvoked = nil
	}
}

// LastInvocation returns a copy of the most recent successful invocation.
func (s *Session) LastInvocation() (InvokedToolState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastInvoked == nil {
		return InvokedToolState{}, false
	}
	state := *s.lastInvoked
	state.Parameters = copyArgs(s.lastInvoked.Parameters)
	return state, true
}

// History returns the conversation kept for the current context.
func (s *Session) History() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Turn(nil), s.history...)
}

func (s *Session) appendHistory(appID string, turns ...llm.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != appID {
		return
	}
	s.history = append(s.history, turns...)
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		s.history = append([]llm.Turn(nil), s.history[len(s.history)-s.historyLimit:]...)
	}
}

func copyArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
