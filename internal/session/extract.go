package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"apphost/internal/llm"
	"apphost/internal/logging"
	"apphost/internal/mcp"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const toolParamsMarker = "TOOL_PARAMS:"

// extraction is the result of one model pass over a user message.
type extraction struct {
	params      map[string]any
	reply       string
	raw         string
	parseFailed bool
}

func (s *Session) extract(ctx context.Context, tool *mcp.ToolInfo, remaining, collectedKeys []string, turns []llm.Turn, userMessage string) (extraction, error) {
	if s.structured {
		if gen, ok := s.delegate.(llm.StructuredGenerator); ok {
			ex, err := s.extractStructured(ctx, gen, tool, remaining, collectedKeys, userMessage)
			if err == nil {
				return ex, nil
			}
			logging.Warn("structured extraction failed, using text marker", "tool", tool.Name, "error", err)
		}
	}

	prompt := extractionPrompt(tool, remaining, collectedKeys, userMessage)

	modelCtx, cancel := s.modelContext(ctx)
	defer cancel()

	var resp string
	var err error
	if len(turns) > 0 {
		resp, err = s.delegate.GenerateResponseWithHistory(modelCtx, prompt, llm.ModelFast, turns)
	} else {
		resp, err = s.delegate.GenerateResponse(modelCtx, prompt, llm.ModelFast)
	}
	if err != nil {
		return extraction{}, err
	}
	return parseExtraction(resp), nil
}

// parseExtraction reads the TOOL_PARAMS marker out of a model response.
// A malformed payload leaves the response untouched.
func parseExtraction(resp string) extraction {
	ex := extraction{raw: resp}

	params, found, err := parseToolParams(resp)
	if err != nil {
		logging.Warn("tool parameters not parsed", "error", err)
		ex.parseFailed = true
		return ex
	}
	ex.params = params
	if found {
		ex.reply = stripToolParams(resp)
	} else {
		ex.reply = strings.TrimSpace(resp)
	}
	return ex
}

// parseToolParams decodes the object following the marker. String values
// are unquoted, other values keep their JSON text and nulls are skipped.
func parseToolParams(text string) (map[string]any, bool, error) {
	idx := strings.Index(text, toolParamsMarker)
	if idx < 0 {
		return nil, false, nil
	}
	body := text[idx+len(toolParamsMarker):]
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return nil, true, fmt.Errorf("%w: no JSON object after marker", ErrParameterExtractionParse)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrParameterExtractionParse, err)
	}

	params := make(map[string]any, len(raw))
	for key, value := range raw {
		value = bytes.TrimSpace(value)
		if string(value) == "null" {
			continue
		}
		var str string
		if err := json.Unmarshal(value, &str); err == nil {
			params[key] = str
			continue
		}
		params[key] = string(value)
	}
	return params, true, nil
}

// stripToolParams removes the marker and its object from text.
func stripToolParams(text string) string {
	idx := strings.Index(text, toolParamsMarker)
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	rest := text[idx:]

	var tail string
	if end := strings.LastIndex(rest, "}"); end >= 0 {
		tail = rest[end+1:]
	} else if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tail = rest[nl:]
	}
	return strings.TrimSpace(strings.TrimSpace(text[:idx]) + "\n" + strings.TrimSpace(tail))
}

type structuredExtraction struct {
	Parameters map[string]any `json:"parameters"`
	Reply      string         `json:"reply"`
}

func (s *Session) extractStructured(ctx context.Context, gen llm.StructuredGenerator, tool *mcp.ToolInfo, remaining, collectedKeys []string, userMessage string) (extraction, error) {
	partial := mcp.PartialSchema(tool.InputSchema, remaining)
	schema := &mcp.JSONSchema{
		Type: "object",
		Properties: map[string]*mcp.JSONSchema{
			"parameters": partial,
			"reply": {
				Type:        "string",
				Description: "Follow-up question for the user, empty when nothing is missing",
			},
		},
		Required: []string{"parameters", "reply"},
	}

	modelCtx, cancel := s.modelContext(ctx)
	defer cancel()

	resp, err := gen.GenerateStructured(modelCtx, structuredExtractionPrompt(tool, remaining, collectedKeys, userMessage), llm.ModelFast, schema)
	if err != nil {
		return extraction{}, err
	}

	var out structuredExtraction
	if err := json.Unmarshal([]byte(stripCodeFence(resp)), &out); err != nil {
		return extraction{}, fmt.Errorf("%w: %w", ErrParameterExtractionParse, err)
	}

	params := make(map[string]any, len(out.Parameters))
	for k, v := range out.Parameters {
		if v != nil {
			params[k] = v
		}
	}
	if err := validateParams(partial, params); err != nil {
		return extraction{}, err
	}

	reply := strings.TrimSpace(out.Reply)
	return extraction{params: params, reply: reply, raw: reply}, nil
}

// validateParams checks params against an object schema.
func validateParams(schema *mcp.JSONSchema, params map[string]any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode parameter schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("parameters.json")
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}

	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: parameters do not match schema: %w", ErrParameterExtractionParse, err)
	}
	return nil
}

// stripCodeFence removes a surrounding ``` block, if any.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
