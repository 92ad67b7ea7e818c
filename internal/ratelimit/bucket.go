package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex

	now func() time.Time
}

// NewTokenBucket creates a full bucket holding at most maxTokens and
// refilling refillRate tokens per second.
func NewTokenBucket(maxTokens float64, refillRate float64) *TokenBucket {
	b := &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// reserve consumes tokens if available and otherwise reports how long
// until they will be. Requests larger than the bucket are capped to it.
func (b *TokenBucket) reserve(tokens float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tokens > b.maxTokens {
		tokens = b.maxTokens
	}
	b.refill()
	if b.tokens >= tokens {
		b.tokens -= tokens
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, time.Hour
	}

	wait := time.Duration((tokens - b.tokens) / b.refillRate * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return false, wait
}

// TryConsume takes tokens without blocking.
func (b *TokenBucket) TryConsume(tokens float64) bool {
	ok, _ := b.reserve(tokens)
	return ok
}

// Wait blocks until tokens are consumed or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, tokens float64) error {
	for {
		ok, wait := b.reserve(tokens)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the current number of available tokens.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}

// Return puts tokens back, e.g. when a request is abandoned after acquiring.
func (b *TokenBucket) Return(tokens float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += tokens
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}
