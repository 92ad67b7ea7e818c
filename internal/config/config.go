package config

import (
	"fmt"
	"time"
)

// Config represents the main application configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Model   ModelConfig   `yaml:"model"`
	Apps    []AppConfig   `yaml:"apps"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`

	// Runtime version information
	Version string `yaml:"-"`
}

// APIConfig holds model provider credentials and transport settings.
type APIConfig struct {
	GeminiKey string `yaml:"gemini_key,omitempty"`
	OllamaKey string `yaml:"ollama_key,omitempty"` // Optional, for remote Ollama servers with auth

	// Ollama server URL (default: http://localhost:11434)
	OllamaBaseURL string `yaml:"ollama_base_url,omitempty"`

	// Gemini endpoint override, e.g. for a proxy (default: SDK endpoint)
	GeminiBaseURL string `yaml:"gemini_base_url,omitempty"`

	// Provider: gemini, ollama (default: gemini)
	Provider string `yaml:"provider"`

	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// GetProvider returns the configured provider, defaulting to gemini.
func (c *APIConfig) GetProvider() string {
	if c.Provider != "" {
		return c.Provider
	}
	return "gemini"
}

// RetryConfig holds retry settings for model calls.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`  // Maximum number of retry attempts (default: 3)
	RetryDelay  time.Duration `yaml:"retry_delay"`  // Initial delay between retries (default: 1s)
	HTTPTimeout time.Duration `yaml:"http_timeout"` // HTTP request timeout (default: 120s)
}

// RateLimitConfig paces model requests.
type RateLimitConfig struct {
	Enabled           bool  `yaml:"enabled"`
	RequestsPerMinute int   `yaml:"requests_per_minute"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute"` // 0 = unbounded
	Burst             int   `yaml:"burst"`
}

// ModelConfig holds model-related settings.
type ModelConfig struct {
	Name            string  `yaml:"name"`
	FastName        string  `yaml:"fast_name,omitempty"` // Used for routing and extraction; falls back to Name
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`

	// StructuredOutput asks the provider for schema-constrained JSON when
	// extracting tool parameters. The TOOL_PARAMS text marker stays as fallback.
	StructuredOutput bool `yaml:"structured_output"`
}

// AppConfig describes one remote tool server.
type AppConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name,omitempty"`
	Transport   string            `yaml:"transport"`         // "http" or "stdio"
	URL         string            `yaml:"url,omitempty"`     // For http
	Command     string            `yaml:"command,omitempty"` // For stdio
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"` // Supports ${VAR}
	Headers     map[string]string `yaml:"headers,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	AutoConnect bool              `yaml:"auto_connect"`
}

// Endpoint returns the server identity used as the protocol address.
func (a *AppConfig) Endpoint() string {
	if a.URL != "" {
		return a.URL
	}
	return "stdio://" + a.ID
}

// SessionConfig bounds collaborator calls made by a session.
type SessionConfig struct {
	ProtocolTimeout time.Duration `yaml:"protocol_timeout"`
	ModelTimeout    time.Duration `yaml:"model_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`
	HistoryLimit    int           `yaml:"history_limit"`

	// Fail fast against a tool server after this many consecutive transport
	// failures (0 disables), retrying after BreakerReset.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AuditConfig controls the tool invocation audit trail.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxResultLen  int  `yaml:"max_result_len"`
	RetentionDays int  `yaml:"retention_days"`
}

// App returns the app configuration with the given id.
func (c *Config) App(id string) (*AppConfig, bool) {
	for i := range c.Apps {
		if c.Apps[i].ID == id {
			return &c.Apps[i], true
		}
	}
	return nil, false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.API.GetProvider() == "gemini" && c.API.GeminiKey == "" {
		return ErrMissingAuth
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be positive when rate limiting is enabled")
	}

	seen := make(map[string]bool, len(c.Apps))
	for _, app := range c.Apps {
		if app.ID == "" {
			return fmt.Errorf("app entry without id")
		}
		if seen[app.ID] {
			return fmt.Errorf("duplicate app id: %s", app.ID)
		}
		seen[app.ID] = true

		switch app.Transport {
		case "http", "":
			if app.URL == "" {
				return fmt.Errorf("app %s: http transport requires url", app.ID)
			}
		case "stdio":
			if app.Command == "" {
				return fmt.Errorf("app %s: stdio transport requires command", app.ID)
			}
		default:
			return fmt.Errorf("app %s: unknown transport %q", app.ID, app.Transport)
		}
	}
	return nil
}

// ConfigError is a configuration validation error.
type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

const (
	ErrMissingAuth ConfigError = "missing authentication: set GEMINI_API_KEY or switch api.provider to ollama"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Provider: "gemini",
			Retry: RetryConfig{
				MaxRetries:  DefaultMaxRetries,
				RetryDelay:  DefaultRetryDelay,
				HTTPTimeout: DefaultHTTPTimeout,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: DefaultRequestsPerMinute,
				TokensPerMinute:   DefaultTokensPerMinute,
				Burst:             DefaultRateBurst,
			},
		},
		Model: ModelConfig{
			Name:             "gemini-2.5-flash",
			Temperature:      0.2,
			MaxOutputTokens:  DefaultMaxTokens,
			StructuredOutput: false,
		},
		Session: SessionConfig{
			ProtocolTimeout: DefaultProtocolTimeout,
			ModelTimeout:    DefaultModelTimeout,
			EventBuffer:     DefaultEventBuffer,
			HistoryLimit:    DefaultHistoryLimit,

			BreakerThreshold: DefaultBreakerThreshold,
			BreakerReset:     DefaultBreakerReset,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		Audit: AuditConfig{
			Enabled:       true,
			MaxResultLen:  DefaultAuditResultLen,
			RetentionDays: DefaultAuditRetentionDays,
		},
	}
}
