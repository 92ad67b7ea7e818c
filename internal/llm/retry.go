package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"apphost/internal/logging"
)

// RetryConfig holds retry configuration shared by all delegates.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	RetryDelay time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum backoff delay (cap)
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// CalculateBackoff calculates exponential backoff with up to 25% jitter.
func CalculateBackoff(baseDelay time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	if spread := int64(delay / 4); spread > 0 {
		delay += time.Duration(rand.Int63n(spread))
	}
	return delay
}

// withRetry runs call until it succeeds, fails permanently, or retries run out.
func withRetry(ctx context.Context, cfg RetryConfig, provider string, call func(context.Context) (string, error)) (string, error) {
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(cfg.RetryDelay, attempt-1, cfg.MaxDelay)
			logging.Info("retrying model request", "provider", provider, "attempt", attempt, "delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := call(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return "", err
		}
		logging.Warn("model request failed, will retry", "provider", provider, "attempt", attempt, "error", err)
	}

	return "", fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}
