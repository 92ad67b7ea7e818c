package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"apphost/internal/config"
	"apphost/internal/logging"
	"apphost/internal/mcp"

	"github.com/ollama/ollama/api"
)

// OllamaConfig holds configuration for the Ollama delegate.
type OllamaConfig struct {
	BaseURL     string        // Default: "http://localhost:11434"
	APIKey      string        // Optional, for remote Ollama servers with auth
	Model       string        // e.g., "llama3.2", "qwen2.5"
	FastModel   string        // Optional model for routing and extraction
	Temperature float32       // Temperature for generation
	MaxTokens   int32         // Max output tokens
	HTTPTimeout time.Duration // HTTP request timeout (default: 120s)
	Retry       RetryConfig
}

// OllamaDelegate generates text with an Ollama server.
type OllamaDelegate struct {
	client *api.Client
	config OllamaConfig
}

// authTransport adds Authorization header to HTTP requests.
type authTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	reqClone.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(reqClone)
}

// NewOllamaDelegate creates an Ollama delegate.
func NewOllamaDelegate(cfg OllamaConfig) (*OllamaDelegate, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}

	if baseURL.Scheme == "http" {
		host := baseURL.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			logging.Warn("Ollama connection uses unencrypted HTTP to remote host", "host", host)
		}
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.APIKey != "" {
		httpClient.Transport = &authTransport{base: http.DefaultTransport, apiKey: cfg.APIKey}
	}

	return &OllamaDelegate{
		client: api.NewClient(baseURL, httpClient),
		config: cfg,
	}, nil
}

// ollamaConfigFrom maps application configuration onto OllamaConfig.
func ollamaConfigFrom(cfg *config.Config) OllamaConfig {
	return OllamaConfig{
		BaseURL:     cfg.API.OllamaBaseURL,
		APIKey:      cfg.API.OllamaKey,
		Model:       cfg.Model.Name,
		FastModel:   cfg.Model.FastName,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxOutputTokens,
		HTTPTimeout: cfg.API.Retry.HTTPTimeout,
		Retry:       retryFromConfig(cfg.API.Retry),
	}
}

func (d *OllamaDelegate) modelName(m ModelType) string {
	if m == ModelFast && d.config.FastModel != "" {
		return d.config.FastModel
	}
	return d.config.Model
}

// GenerateResponse sends a single prompt.
func (d *OllamaDelegate) GenerateResponse(ctx context.Context, prompt string, model ModelType) (string, error) {
	return d.GenerateResponseWithHistory(ctx, prompt, model, nil)
}

// GenerateResponseWithHistory sends a prompt after the given history.
func (d *OllamaDelegate) GenerateResponseWithHistory(ctx context.Context, prompt string, model ModelType, history []Turn) (string, error) {
	return d.chat(ctx, d.newRequest(model, history, prompt))
}

// GenerateStructured passes schema as the response format.
func (d *OllamaDelegate) GenerateStructured(ctx context.Context, prompt string, model ModelType, schema *mcp.JSONSchema) (string, error) {
	format, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to encode response schema: %w", err)
	}
	req := d.newRequest(model, nil, prompt)
	req.Format = format
	return d.chat(ctx, req)
}

func (d *OllamaDelegate) newRequest(model ModelType, history []Turn, prompt string) *api.ChatRequest {
	messages := make([]api.Message, 0, len(history)+1)
	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		role := "user"
		if turn.Role == RoleModel {
			role = "assistant"
		}
		messages = append(messages, api.Message{Role: role, Content: turn.Text})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	req := &api.ChatRequest{
		Model:    d.modelName(model),
		Messages: messages,
		Stream:   Ptr(false),
		Options:  map[string]any{},
	}
	if d.config.MaxTokens > 0 {
		req.Options["num_predict"] = d.config.MaxTokens
	}
	if d.config.Temperature > 0 {
		req.Options["temperature"] = d.config.Temperature
	}
	return req
}

func (d *OllamaDelegate) chat(ctx context.Context, req *api.ChatRequest) (string, error) {
	text, err := withRetry(ctx, d.config.Retry, "ollama", func(ctx context.Context) (string, error) {
		var sb strings.Builder
		err := d.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			sb.WriteString(resp.Message.Content)
			return nil
		})
		if err != nil {
			return "", err
		}
		if sb.Len() == 0 {
			return "", ErrEmptyResponse
		}
		return sb.String(), nil
	})
	if err != nil {
		return "", d.wrapError(err)
	}
	return text, nil
}

// wrapError adds a hint for the common local-server failures.
func (d *OllamaDelegate) wrapError(err error) error {
	msg := err.Error()
	code, ok := statusCode(err)
	if (ok && code == http.StatusNotFound) || (strings.Contains(msg, "model") && strings.Contains(msg, "not found")) {
		return fmt.Errorf("model '%s' is not installed (run: ollama pull %s): %w", d.config.Model, d.config.Model, err)
	}
	if strings.Contains(msg, "connection refused") {
		return fmt.Errorf("Ollama server is not running (start it with: ollama serve): %w", err)
	}
	return err
}
