package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"apphost/internal/config"
	"apphost/internal/mcp"
	"apphost/internal/ratelimit"
)

type countingDelegate struct {
	calls int
}

func (d *countingDelegate) GenerateResponse(ctx context.Context, prompt string, model ModelType) (string, error) {
	d.calls++
	return "ok", nil
}

func (d *countingDelegate) GenerateResponseWithHistory(ctx context.Context, prompt string, model ModelType, history []Turn) (string, error) {
	d.calls++
	return "ok", nil
}

type countingStructured struct {
	countingDelegate
}

func (d *countingStructured) GenerateStructured(ctx context.Context, prompt string, model ModelType, schema *mcp.JSONSchema) (string, error) {
	d.calls++
	return "{}", nil
}

func TestRateLimitedKeepsStructuredSupport(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 600, Burst: 10})

	if _, ok := RateLimited(&countingDelegate{}, limiter).(StructuredGenerator); ok {
		t.Error("plain delegate gained structured generation")
	}

	inner := &countingStructured{}
	d := RateLimited(inner, limiter)
	sg, ok := d.(StructuredGenerator)
	if !ok {
		t.Fatal("structured delegate lost structured generation")
	}

	ctx := context.Background()
	if _, err := d.GenerateResponse(ctx, "hi", ModelDefault); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GenerateResponseWithHistory(ctx, "hi", ModelFast, []Turn{{Role: RoleUser, Text: "earlier"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := sg.GenerateStructured(ctx, "hi", ModelFast, &mcp.JSONSchema{Type: "object"}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
	if got := limiter.Stats().TotalRequests; got != 3 {
		t.Errorf("limiter saw %d requests, want 3", got)
	}
}

func TestRateLimitedStopsOnCanceledContext(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, Burst: 1})
	inner := &countingDelegate{}
	d := RateLimited(inner, limiter)

	if _, err := d.GenerateResponse(context.Background(), "first", ModelDefault); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.GenerateResponse(ctx, "second", ModelDefault); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		rateLimit  bool
		wantErr    bool
		structured bool
	}{
		{name: "ollama", provider: "ollama", structured: true},
		{name: "ollama rate limited", provider: "ollama", rateLimit: true, structured: true},
		{name: "unknown", provider: "bard", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.API.Provider = tt.provider
			cfg.API.OllamaBaseURL = "http://127.0.0.1:1"
			cfg.Model.Name = "llama3"
			cfg.API.RateLimit.Enabled = tt.rateLimit

			d, err := New(context.Background(), cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if _, ok := d.(StructuredGenerator); ok != tt.structured {
				t.Errorf("structured = %v, want %v", ok, tt.structured)
			}
			_, limited := d.(*limitedStructured)
			if limited != tt.rateLimit {
				t.Errorf("rate limited = %v, want %v", limited, tt.rateLimit)
			}
		})
	}
}

func TestRateLimitedPacesBurst(t *testing.T) {
	// one request per 100ms, no burst headroom
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 600, Burst: 1})
	inner := &countingDelegate{}
	d := RateLimited(inner, limiter)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := d.GenerateResponse(context.Background(), "hi", ModelDefault); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("3 requests took %v, want them paced", elapsed)
	}

	stats := limiter.Stats()
	if stats.TotalRequests != 3 || stats.DelayedRequests != 2 {
		t.Errorf("stats = %+v, want 3 total and 2 delayed", stats)
	}
}
