package session

import (
	"errors"
	"reflect"
	"testing"

	"apphost/internal/mcp"
)

func TestParseToolParams(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    map[string]any
		found   bool
		wantErr bool
	}{
		{
			name: "no marker",
			text: "Which city?",
		},
		{
			name:  "strings unquoted",
			text:  `TOOL_PARAMS: {"city": "Paris"}`,
			want:  map[string]any{"city": "Paris"},
			found: true,
		},
		{
			name:  "non-strings keep json text",
			text:  "Got it.\nTOOL_PARAMS: {\"days\": 3, \"metric\": true, \"tags\": [\"a\"]}",
			want:  map[string]any{"days": "3", "metric": "true", "tags": `["a"]`},
			found: true,
		},
		{
			name:  "null skipped",
			text:  `TOOL_PARAMS: {"city": null, "days": "2"}`,
			want:  map[string]any{"days": "2"},
			found: true,
		},
		{
			name:  "nested object",
			text:  `TOOL_PARAMS: {"filter": {"min": 1}} ok`,
			want:  map[string]any{"filter": `{"min": 1}`},
			found: true,
		},
		{
			name:    "no object",
			text:    "TOOL_PARAMS: none",
			found:   true,
			wantErr: true,
		},
		{
			name:    "invalid json",
			text:    `TOOL_PARAMS: {city: Paris}`,
			found:   true,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := parseToolParams(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrParameterExtractionParse) {
				t.Errorf("err = %v, want ErrParameterExtractionParse", err)
			}
			if found != tt.found {
				t.Errorf("found = %v, want %v", found, tt.found)
			}
			if !tt.wantErr && tt.want != nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("params = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestStripToolParams(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{`TOOL_PARAMS: {"a": "x"}`, ""},
		{"Thanks!\nTOOL_PARAMS: {\"a\": \"x\"}\nWhat about b?", "Thanks!\nWhat about b?"},
		{`Sure TOOL_PARAMS: {"a": "x"} and b?`, "Sure\nand b?"},
		{"No marker here.", "No marker here."},
	}
	for _, tt := range tests {
		if got := stripToolParams(tt.text); got != tt.want {
			t.Errorf("stripToolParams(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}```", `{"a":1}`},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.text); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestValidateParams(t *testing.T) {
	min := 1.0
	schema := &mcp.JSONSchema{
		Type: "object",
		Properties: map[string]*mcp.JSONSchema{
			"city": {Type: "string"},
			"days": {Type: "integer", Minimum: &min},
			"unit": {Type: "string", Enum: []string{"C", "F"}},
		},
	}

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"city": "Paris", "days": 3.0, "unit": "C"}, false},
		{"empty", map[string]any{}, false},
		{"wrong type", map[string]any{"city": 7}, true},
		{"below minimum", map[string]any{"days": 0}, true},
		{"not integral", map[string]any{"days": 1.5}, true},
		{"enum", map[string]any{"unit": "K"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateParams(schema, tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateParams() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrParameterExtractionParse) {
				t.Errorf("err = %v", err)
			}
		})
	}
}
