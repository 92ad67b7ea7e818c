// Package ratelimit paces outgoing model requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
)

// Limiter bounds requests and estimated tokens per minute.
type Limiter struct {
	requests *TokenBucket
	tokens   *TokenBucket

	mu      sync.Mutex
	total   int64
	delayed int64
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int64
	Burst             int
}

// NewLimiter creates a limiter. A zero TokensPerMinute leaves tokens unbounded.
func NewLimiter(cfg Config) *Limiter {
	burst := float64(cfg.Burst)
	if burst < 1 {
		burst = 1
	}

	l := &Limiter{
		requests: NewTokenBucket(burst, float64(cfg.RequestsPerMinute)/60.0),
	}
	if cfg.TokensPerMinute > 0 {
		// 10% of the per-minute budget may burst
		l.tokens = NewTokenBucket(float64(cfg.TokensPerMinute)/10.0, float64(cfg.TokensPerMinute)/60.0)
	}
	return l
}

// Wait blocks until a request carrying estimatedTokens may proceed.
func (l *Limiter) Wait(ctx context.Context, estimatedTokens int64) error {
	l.mu.Lock()
	l.total++
	l.mu.Unlock()

	if !l.requests.TryConsume(1) {
		l.markDelayed()
		if err := l.requests.Wait(ctx, 1); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	if l.tokens == nil || estimatedTokens <= 0 {
		return nil
	}
	if !l.tokens.TryConsume(float64(estimatedTokens)) {
		l.markDelayed()
		if err := l.tokens.Wait(ctx, float64(estimatedTokens)); err != nil {
			l.requests.Return(1)
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	return nil
}

func (l *Limiter) markDelayed() {
	l.mu.Lock()
	l.delayed++
	l.mu.Unlock()
}

// Stats holds limiter counters.
type Stats struct {
	TotalRequests     int64
	DelayedRequests   int64
	AvailableRequests float64
}

// Stats returns limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalRequests:     l.total,
		DelayedRequests:   l.delayed,
		AvailableRequests: l.requests.Available(),
	}
}

// EstimateTokens estimates the token count of text at ~4 characters per token.
func EstimateTokens(text string) int64 {
	return int64(len(text) / 4)
}
