package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"apphost/internal/llm"
	"apphost/internal/mcp"
)

type toolCall struct {
	ServerURL string
	Tool      string
	Args      map[string]any
}

// fakeProtocol records every call and serves tools per server URL.
type fakeProtocol struct {
	mu sync.Mutex

	initErr    error
	initNil    bool
	listErr    error
	callErr    error
	callDelay  time.Duration
	tools      map[string][]*mcp.ToolInfo
	resultFunc func(tool string, args map[string]any) *mcp.CallToolResult

	initCalls   []string
	listCalls   []string
	calls       []toolCall
	released    []string
	inFlight    int
	maxInFlight int
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{tools: make(map[string][]*mcp.ToolInfo)}
}

func (f *fakeProtocol) Initialize(ctx context.Context, serverURL string) (*mcp.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls = append(f.initCalls, serverURL)
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.initNil {
		return nil, nil
	}
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      &mcp.ServerInfo{Name: "Weather", Version: "1.0.0"},
	}, nil
}

func (f *fakeProtocol) ListTools(ctx context.Context, serverURL string) ([]*mcp.ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, serverURL)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools[serverURL], nil
}

func (f *fakeProtocol) CallTool(ctx context.Context, serverURL, toolName string, args map[string]any, meta map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{ServerURL: serverURL, Tool: toolName, Args: copyArgs(args)})
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay, callErr, resultFunc := f.callDelay, f.callErr, f.resultFunc
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if callErr != nil {
		return nil, callErr
	}
	if resultFunc != nil {
		return resultFunc(toolName, args), nil
	}
	return &mcp.CallToolResult{
		Content: []*mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf("%s ok", toolName)}},
	}, nil
}

func (f *fakeProtocol) ReadResource(ctx context.Context, serverURL, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContent{{URI: uri, Text: "contents"}}}, nil
}

func (f *fakeProtocol) Release(serverURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, serverURL)
	return nil
}

func (f *fakeProtocol) toolCalls() []toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolCall(nil), f.calls...)
}

// scriptedDelegate returns canned responses in order.
type scriptedDelegate struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
	histories [][]llm.Turn
	models    []llm.ModelType
	onCall    func()
}

func (d *scriptedDelegate) GenerateResponse(ctx context.Context, prompt string, model llm.ModelType) (string, error) {
	return d.GenerateResponseWithHistory(ctx, prompt, model, nil)
}

func (d *scriptedDelegate) GenerateResponseWithHistory(ctx context.Context, prompt string, model llm.ModelType, history []llm.Turn) (string, error) {
	d.mu.Lock()
	d.prompts = append(d.prompts, prompt)
	d.histories = append(d.histories, history)
	d.models = append(d.models, model)
	onCall := d.onCall
	var resp string
	err := d.err
	if err == nil {
		if len(d.responses) == 0 {
			err = errors.New("scriptedDelegate: no response left")
		} else {
			resp = d.responses[0]
			d.responses = d.responses[1:]
		}
	}
	d.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	return resp, err
}

func (d *scriptedDelegate) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.prompts)
}

// structuredDelegate adds schema-constrained output.
type structuredDelegate struct {
	scriptedDelegate

	structured []string
	schemas    []*mcp.JSONSchema
}

func (d *structuredDelegate) GenerateStructured(ctx context.Context, prompt string, model llm.ModelType, schema *mcp.JSONSchema) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schemas = append(d.schemas, schema)
	if len(d.structured) == 0 {
		return "", errors.New("structuredDelegate: no response left")
	}
	resp := d.structured[0]
	d.structured = d.structured[1:]
	return resp, nil
}

const weatherURL = "https://weather.example.com/mcp"

func weatherTools() []*mcp.ToolInfo {
	return []*mcp.ToolInfo{
		{
			Name:        "get_forecast",
			Title:       "Get Forecast",
			Description: "Forecast for a city",
			InputSchema: &mcp.JSONSchema{
				Type: "object",
				Properties: map[string]*mcp.JSONSchema{
					"city": {Type: "string", Description: "City name"},
					"days": {Type: "integer"},
				},
				Required: []string{"city"},
			},
		},
		{
			Name:        "get_alerts",
			Description: "Active weather alerts",
			InputSchema: &mcp.JSONSchema{
				Type: "object",
				Properties: map[string]*mcp.JSONSchema{
					"region": {Type: "string"},
					"limit":  {Type: "integer", Default: 5},
				},
			},
		},
		{
			Name: "compare",
			InputSchema: &mcp.JSONSchema{
				Type: "object",
				Properties: map[string]*mcp.JSONSchema{
					"a": {Type: "string"},
					"b": {Type: "string"},
				},
				Required: []string{"a", "b"},
			},
		},
	}
}

// newWeatherSession returns a session connected to "weather-app".
func newWeatherSession(t *testing.T, delegate llm.Delegate, opts ...Option) (*Session, *fakeProtocol) {
	t.Helper()
	proto := newFakeProtocol()
	proto.tools[weatherURL] = weatherTools()

	s := New(proto, delegate, opts...)
	t.Cleanup(s.Close)

	if _, err := s.Connect(context.Background(), "weather-app", weatherURL); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, proto
}

// drain collects events that are already buffered.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventNames(events []Event) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = eventName(e)
	}
	return names
}
