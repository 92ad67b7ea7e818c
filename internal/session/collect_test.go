package session

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestCollectionAcrossTurns(t *testing.T) {
	delegate := &scriptedDelegate{responses: []string{
		`TOOL_PARAMS: {"a": "x"}` + "\nAnd what should I compare it with?",
		`TOOL_PARAMS: {"b": "y"}`,
	}}
	s, proto := newWeatherSession(t, delegate)
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "compare", nil); err != nil {
		t.Fatal(err)
	}

	reply, err := s.ContinueTurn(ctx, "first is x")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "And what should I compare it with?" {
		t.Errorf("reply = %q", reply)
	}
	c, ok := s.Collection()
	if !ok {
		t.Fatal("collection ended early")
	}
	if !reflect.DeepEqual(c.Collected, map[string]any{"a": "x"}) {
		t.Errorf("collected = %v", c.Collected)
	}
	if !reflect.DeepEqual(c.Missing, []string{"b"}) {
		t.Errorf("missing = %v", c.Missing)
	}
	if n := len(proto.toolCalls()); n != 0 {
		t.Fatalf("calls after first turn = %d, want 0", n)
	}

	reply, err = s.ContinueTurn(ctx, "second is y")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "" {
		t.Errorf("reply after completion = %q, want empty", reply)
	}
	calls := proto.toolCalls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if !reflect.DeepEqual(calls[0].Args, map[string]any{"a": "x", "b": "y"}) {
		t.Errorf("args = %v", calls[0].Args)
	}
	if _, ok := s.Collection(); ok {
		t.Error("collection not cleared after execution")
	}
	if _, err := s.ContinueTurn(ctx, "more"); !errors.Is(err, ErrNoActiveCollection) {
		t.Errorf("err = %v, want ErrNoActiveCollection", err)
	}

	// The second turn carries the first exchange as history.
	if len(delegate.histories) != 2 || len(delegate.histories[1]) != 2 {
		t.Errorf("histories = %v", delegate.histories)
	}
}

func TestWeatherScenario(t *testing.T) {
	delegate := &scriptedDelegate{responses: []string{`TOOL_PARAMS: {"city":"Paris"}`}}
	proto := newFakeProtocol()
	proto.tools[weatherURL] = weatherTools()[:2]

	s := New(proto, delegate)
	defer s.Close()
	ctx := context.Background()

	app, err := s.Connect(ctx, "weather-app", weatherURL)
	if err != nil {
		t.Fatal(err)
	}
	if app.Status != StatusConnected || len(app.Tools) != 2 {
		t.Fatalf("app = %+v", app)
	}

	if _, err := s.Invoke(ctx, "weather-app", "get_forecast", nil); err != nil {
		t.Fatal(err)
	}
	if len(proto.toolCalls()) != 0 {
		t.Fatal("get_forecast without parameters must not call the tool")
	}
	if c, _ := s.Collection(); !reflect.DeepEqual(c.Required, []string{"city"}) {
		t.Fatalf("required = %v", c.Required)
	}

	if _, err := s.ContinueTurn(ctx, "it's Paris"); err != nil {
		t.Fatal(err)
	}
	calls := proto.toolCalls()
	if len(calls) != 1 || calls[0].Tool != "get_forecast" || !reflect.DeepEqual(calls[0].Args, map[string]any{"city": "Paris"}) {
		t.Fatalf("calls = %+v", calls)
	}
	if _, ok := s.Collection(); ok {
		t.Fatal("collection not cleared")
	}

	if _, err := s.Invoke(ctx, "weather-app", "get_alerts", nil); err != nil {
		t.Fatal(err)
	}
	if calls := proto.toolCalls(); len(calls) != 2 || calls[1].Tool != "get_alerts" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestCollectionMergesSeveralParametersInOneTurn(t *testing.T) {
	delegate := &scriptedDelegate{responses: []string{`Sure. TOOL_PARAMS: {"a": "x", "b": 2}`}}
	s, proto := newWeatherSession(t, delegate)
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "compare", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ContinueTurn(ctx, "x and 2"); err != nil {
		t.Fatal(err)
	}
	calls := proto.toolCalls()
	if len(calls) != 1 || !reflect.DeepEqual(calls[0].Args, map[string]any{"a": "x", "b": "2"}) {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestCollectionParseFailureKeepsState(t *testing.T) {
	raw := `TOOL_PARAMS: {"city": Paris}` + "\nWhich city?"
	delegate := &scriptedDelegate{responses: []string{raw}}
	s, proto := newWeatherSession(t, delegate)
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "get_forecast", nil); err != nil {
		t.Fatal(err)
	}
	reply, err := s.ContinueTurn(ctx, "Paris")
	if err != nil {
		t.Fatalf("parse failure must be recoverable: %v", err)
	}
	if reply != raw {
		t.Errorf("reply = %q, want the unmodified response", reply)
	}
	if c, ok := s.Collection(); !ok || len(c.Collected) != 0 {
		t.Errorf("collection = %+v, %v", c, ok)
	}
	if len(proto.toolCalls()) != 0 {
		t.Error("tool called after parse failure")
	}
}

func TestCollectionFallbackQuestion(t *testing.T) {
	delegate := &scriptedDelegate{responses: []string{`TOOL_PARAMS: {"a": "x"}`}}
	s, _ := newWeatherSession(t, delegate)
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "compare", nil); err != nil {
		t.Fatal(err)
	}
	reply, err := s.ContinueTurn(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "b") || strings.Contains(reply, toolParamsMarker) {
		t.Errorf("reply = %q", reply)
	}
}

func TestCollectionDelegateError(t *testing.T) {
	delegate := &scriptedDelegate{err: errors.New("model offline")}
	s, _ := newWeatherSession(t, delegate)
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "get_forecast", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ContinueTurn(ctx, "Paris"); err == nil {
		t.Fatal("expected delegate error")
	}
	if _, ok := s.Collection(); !ok {
		t.Error("collection must survive a failed model call")
	}
}

func TestCollectionDisconnectDuringExtraction(t *testing.T) {
	delegate := &scriptedDelegate{responses: []string{`TOOL_PARAMS: {"city": "Paris"}`}}
	s, proto := newWeatherSession(t, delegate)
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "get_forecast", nil); err != nil {
		t.Fatal(err)
	}
	delegate.onCall = func() { s.Disconnect("weather-app") }

	_, err := s.ContinueTurn(ctx, "Paris")
	if !errors.Is(err, ErrCollectionAbandoned) {
		t.Fatalf("err = %v, want ErrCollectionAbandoned", err)
	}
	if len(proto.toolCalls()) != 0 {
		t.Error("tool called for a disconnected app")
	}
	if _, ok := s.LastInvocation(); ok {
		t.Error("stale invocation state")
	}
}

func TestNewInvocationReplacesCollection(t *testing.T) {
	s, _ := newWeatherSession(t, &scriptedDelegate{})
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "get_forecast", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Invoke(ctx, "weather-app", "compare", nil); err != nil {
		t.Fatal(err)
	}
	c, ok := s.Collection()
	if !ok || c.Tool.Name != "compare" {
		t.Errorf("collection = %+v", c)
	}
}

func TestStructuredExtraction(t *testing.T) {
	delegate := &structuredDelegate{structured: []string{`{"parameters": {"city": "Paris", "days": null}, "reply": ""}`}}
	s, proto := newWeatherSession(t, delegate, WithStructuredOutput(true))
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "get_forecast", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ContinueTurn(ctx, "Paris please"); err != nil {
		t.Fatal(err)
	}

	calls := proto.toolCalls()
	if len(calls) != 1 || !reflect.DeepEqual(calls[0].Args, map[string]any{"city": "Paris"}) {
		t.Fatalf("calls = %+v", calls)
	}
	if delegate.callCount() != 0 {
		t.Error("text extraction used although structured output succeeded")
	}
	schema := delegate.schemas[0]
	params := schema.Properties["parameters"]
	if params == nil || params.Properties["city"] == nil || len(params.Required) != 0 {
		t.Errorf("extraction schema = %+v", params)
	}
}

func TestStructuredExtractionValidationFallsBack(t *testing.T) {
	delegate := &structuredDelegate{
		scriptedDelegate: scriptedDelegate{responses: []string{`TOOL_PARAMS: {"a": "x"}` + "\nWhat is b?"}},
		structured:       []string{`{"parameters": {"a": 42}, "reply": "ok"}`},
	}
	s, proto := newWeatherSession(t, delegate, WithStructuredOutput(true))
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "compare", nil); err != nil {
		t.Fatal(err)
	}
	reply, err := s.ContinueTurn(ctx, "a is x")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "What is b?" {
		t.Errorf("reply = %q", reply)
	}
	if delegate.callCount() != 1 {
		t.Errorf("text fallback calls = %d, want 1", delegate.callCount())
	}
	if c, _ := s.Collection(); !reflect.DeepEqual(c.Collected, map[string]any{"a": "x"}) {
		t.Errorf("collected = %v", c.Collected)
	}
	if len(proto.toolCalls()) != 0 {
		t.Error("tool called before b was collected")
	}
}

func TestStructuredOutputDisabledUsesMarker(t *testing.T) {
	delegate := &structuredDelegate{
		scriptedDelegate: scriptedDelegate{responses: []string{`TOOL_PARAMS: {"city": "Rome"}`}},
	}
	s, proto := newWeatherSession(t, delegate)
	ctx := context.Background()

	if _, err := s.Invoke(ctx, "weather-app", "get_forecast", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ContinueTurn(ctx, "Rome"); err != nil {
		t.Fatal(err)
	}
	if len(delegate.schemas) != 0 {
		t.Error("structured output used while disabled")
	}
	if calls := proto.toolCalls(); len(calls) != 1 || calls[0].Args["city"] != "Rome" {
		t.Errorf("calls = %+v", calls)
	}
}
