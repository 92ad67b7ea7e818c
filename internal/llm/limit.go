package llm

import (
	"context"
	"time"

	"apphost/internal/logging"
	"apphost/internal/mcp"
	"apphost/internal/ratelimit"
)

// pacedThreshold is the wait above which a paced request is logged.
const pacedThreshold = 100 * time.Millisecond

// RateLimited wraps d so every model call waits on l first. Structured
// generation stays available when d supports it.
func RateLimited(d Delegate, l *ratelimit.Limiter) Delegate {
	base := &limitedDelegate{next: d, limiter: l}
	if sg, ok := d.(StructuredGenerator); ok {
		return &limitedStructured{limitedDelegate: base, structured: sg}
	}
	return base
}

type limitedDelegate struct {
	next    Delegate
	limiter *ratelimit.Limiter
}

// wait blocks on the limiter and logs its counters when the request was held back.
func (d *limitedDelegate) wait(ctx context.Context, estimate int64) error {
	start := time.Now()
	if err := d.limiter.Wait(ctx, estimate); err != nil {
		return err
	}
	if waited := time.Since(start); waited >= pacedThreshold {
		stats := d.limiter.Stats()
		logging.Debug("model request paced", "waited", waited,
			"delayed", stats.DelayedRequests, "total", stats.TotalRequests)
	}
	return nil
}

func (d *limitedDelegate) GenerateResponse(ctx context.Context, prompt string, model ModelType) (string, error) {
	if err := d.wait(ctx, ratelimit.EstimateTokens(prompt)); err != nil {
		return "", err
	}
	return d.next.GenerateResponse(ctx, prompt, model)
}

func (d *limitedDelegate) GenerateResponseWithHistory(ctx context.Context, prompt string, model ModelType, history []Turn) (string, error) {
	estimate := ratelimit.EstimateTokens(prompt)
	for _, turn := range history {
		estimate += ratelimit.EstimateTokens(turn.Text)
	}
	if err := d.wait(ctx, estimate); err != nil {
		return "", err
	}
	return d.next.GenerateResponseWithHistory(ctx, prompt, model, history)
}

type limitedStructured struct {
	*limitedDelegate
	structured StructuredGenerator
}

func (d *limitedStructured) GenerateStructured(ctx context.Context, prompt string, model ModelType, schema *mcp.JSONSchema) (string, error) {
	if err := d.wait(ctx, ratelimit.EstimateTokens(prompt)); err != nil {
		return "", err
	}
	return d.structured.GenerateStructured(ctx, prompt, model, schema)
}
