package session

import (
	"sync"
	"time"

	"apphost/internal/logging"
	"apphost/internal/mcp"

	"github.com/google/uuid"
)

// Event is one of ConnectionChanged, ToolInvoked, ToolResult,
// ParameterCollectionStarted or NeedsPillsRefresh.
type Event interface {
	header() Header
}

// Header is shared by every event.
type Header struct {
	ID    uuid.UUID
	Time  time.Time
	AppID string
}

func (h Header) header() Header { return h }

func newHeader(appID string) Header {
	return Header{ID: uuid.New(), Time: time.Now(), AppID: appID}
}

// EventHeader returns the common fields of e.
func EventHeader(e Event) Header {
	return e.header()
}

// ConnectionChanged reports a connection status transition.
type ConnectionChanged struct {
	Header
	Status Status
	Err    error
}

// ToolInvoked is published whenever an invocation enters an app.
type ToolInvoked struct {
	Header
	Tool *mcp.ToolInfo
}

// ToolResult carries the outcome of a completed tool call.
type ToolResult struct {
	Header
	Tool       *mcp.ToolInfo
	ResultText string
	Raw        *mcp.CallToolResult
	Arguments  map[string]any
}

// ParameterCollectionStarted is published when a tool needs more input.
type ParameterCollectionStarted struct {
	Header
	Tool     *mcp.ToolInfo
	Required []string
}

// NeedsPillsRefresh hints that the app's tool list should be redrawn.
type NeedsPillsRefresh struct {
	Header
}

type eventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// publish never blocks; a subscriber with a full buffer misses the event.
func (b *eventBus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logging.Warn("event dropped, subscriber buffer full",
				"subscriber", id,
				"event", eventName(e),
				"app", e.header().AppID)
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func eventName(e Event) string {
	switch e.(type) {
	case ConnectionChanged:
		return "connection_changed"
	case ToolInvoked:
		return "tool_invoked"
	case ToolResult:
		return "tool_result"
	case ParameterCollectionStarted:
		return "parameter_collection_started"
	case NeedsPillsRefresh:
		return "needs_pills_refresh"
	default:
		return "unknown"
	}
}
