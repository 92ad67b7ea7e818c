package llm

import (
	"context"
	"fmt"
	"strings"

	"apphost/internal/config"
	"apphost/internal/logging"
	"apphost/internal/mcp"

	"google.golang.org/genai"
)

// GeminiDelegate generates text with the Google Gemini API.
type GeminiDelegate struct {
	client      *genai.Client
	model       string
	fastModel   string
	temperature float32
	maxTokens   int32
	retry       RetryConfig
}

// NewGeminiDelegate creates a Gemini delegate from configuration.
func NewGeminiDelegate(ctx context.Context, cfg *config.Config) (*GeminiDelegate, error) {
	if cfg.API.GeminiKey == "" {
		return nil, fmt.Errorf("Gemini API key required.\n\nGet your free API key at: https://aistudio.google.com/apikey\n\nThen set GEMINI_API_KEY or api.gemini_key")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:     genai.BackendGeminiAPI,
		APIKey:      cfg.API.GeminiKey,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.API.GeminiBaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logging.Debug("gemini delegate created", "model", cfg.Model.Name, "fast_model", cfg.Model.FastName)

	return &GeminiDelegate{
		client:      client,
		model:       cfg.Model.Name,
		fastModel:   cfg.Model.FastName,
		temperature: cfg.Model.Temperature,
		maxTokens:   cfg.Model.MaxOutputTokens,
		retry:       retryFromConfig(cfg.API.Retry),
	}, nil
}

func (d *GeminiDelegate) modelName(m ModelType) string {
	if m == ModelFast && d.fastModel != "" {
		return d.fastModel
	}
	return d.model
}

func (d *GeminiDelegate) baseConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: Ptr(d.temperature),
	}
	if d.maxTokens > 0 {
		cfg.MaxOutputTokens = d.maxTokens
	}
	return cfg
}

// GenerateResponse sends a single prompt.
func (d *GeminiDelegate) GenerateResponse(ctx context.Context, prompt string, model ModelType) (string, error) {
	return d.GenerateResponseWithHistory(ctx, prompt, model, nil)
}

// GenerateResponseWithHistory sends a prompt after the given history.
func (d *GeminiDelegate) GenerateResponseWithHistory(ctx context.Context, prompt string, model ModelType, history []Turn) (string, error) {
	return d.generate(ctx, model, buildContents(history, prompt), d.baseConfig())
}

// GenerateStructured asks for a JSON document conforming to schema.
func (d *GeminiDelegate) GenerateStructured(ctx context.Context, prompt string, model ModelType, schema *mcp.JSONSchema) (string, error) {
	cfg := d.baseConfig()
	cfg.ResponseMIMEType = "application/json"
	cfg.ResponseSchema = mcp.ConvertMCPSchemaToGemini(schema)
	return d.generate(ctx, model, buildContents(nil, prompt), cfg)
}

func (d *GeminiDelegate) generate(ctx context.Context, model ModelType, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	name := d.modelName(model)
	return withRetry(ctx, d.retry, "gemini", func(ctx context.Context) (string, error) {
		resp, err := d.client.Models.GenerateContent(ctx, name, contents, cfg)
		if err != nil {
			return "", err
		}
		text := responseText(resp)
		if text == "" {
			return "", ErrEmptyResponse
		}
		return text, nil
	})
}

func buildContents(history []Turn, prompt string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		if turn.Role == RoleModel {
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		} else {
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleUser))
		}
	}
	return append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
}

// responseText concatenates the text parts of the first candidate, skipping thoughts.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func retryFromConfig(cfg config.RetryConfig) RetryConfig {
	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		retry.RetryDelay = cfg.RetryDelay
	}
	return retry
}
