package llm

import (
	"context"
	"fmt"

	"apphost/internal/config"
	"apphost/internal/ratelimit"
)

// New creates the delegate for the configured provider, rate limited when
// api.rate_limit is enabled.
func New(ctx context.Context, cfg *config.Config) (Delegate, error) {
	var (
		d   Delegate
		err error
	)
	switch provider := cfg.API.GetProvider(); provider {
	case "gemini":
		d, err = NewGeminiDelegate(ctx, cfg)
	case "ollama":
		d, err = NewOllamaDelegate(ollamaConfigFrom(cfg))
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
	if err != nil {
		return nil, err
	}

	if rl := cfg.API.RateLimit; rl.Enabled {
		d = RateLimited(d, ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			TokensPerMinute:   rl.TokensPerMinute,
			Burst:             rl.Burst,
		}))
	}
	return d, nil
}
