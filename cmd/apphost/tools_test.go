package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"apphost/internal/mcp"
	"apphost/internal/session"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "string", pairs: []string{"city=Paris"}, want: map[string]any{"city": "Paris"}},
		{name: "number", pairs: []string{"days=3"}, want: map[string]any{"days": float64(3)}},
		{name: "bool and list", pairs: []string{"alerts=true", "tags=[\"a\"]"}, want: map[string]any{"alerts": true, "tags": []any{"a"}}},
		{name: "value with equals", pairs: []string{"q=a=b"}, want: map[string]any{"q": "a=b"}},
		{name: "null stays text", pairs: []string{"x=null"}, want: map[string]any{"x": "null"}},
		{name: "empty value", pairs: []string{"note="}, want: map[string]any{"note": ""}},
		{name: "missing equals", pairs: []string{"city"}, wantErr: true},
		{name: "missing key", pairs: []string{"=Paris"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseArgs() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestPrintTools(t *testing.T) {
	app := &session.App{
		ID:        "weather",
		Name:      "Weather",
		ServerURL: "http://localhost:9000/mcp",
		Tools: []*mcp.ToolInfo{
			{
				Name:        "get_forecast",
				Title:       "Forecast",
				Description: "Daily forecast",
				InputSchema: &mcp.JSONSchema{Type: "object", Required: []string{"city"}},
			},
			{Name: "get_alerts"},
		},
	}

	var buf bytes.Buffer
	printTools(&buf, app)
	out := buf.String()

	for _, want := range []string{
		"Weather (http://localhost:9000/mcp)",
		"get_forecast - Forecast [requires: city]",
		"Daily forecast",
		"  get_alerts\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintOutcome(t *testing.T) {
	tool := &mcp.ToolInfo{Name: "get_forecast"}

	var buf bytes.Buffer
	err := printOutcome(&buf, &session.InvocationOutcome{
		Tool: tool,
		Raw: &mcp.CallToolResult{Content: []*mcp.ContentBlock{
			{Type: "text", Text: "Sunny"},
		}},
		ResultText: "Sunny",
	})
	if err != nil {
		t.Fatalf("printOutcome() error = %v", err)
	}
	if buf.String() != "Sunny\n" {
		t.Errorf("printOutcome() wrote %q", buf.String())
	}

	err = printOutcome(&buf, &session.InvocationOutcome{Tool: tool, ResultText: "boom", IsError: true})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("printOutcome() error = %v, want tool error", err)
	}
}
