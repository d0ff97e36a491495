// Package ratelimit implements token-bucket admission control for the
// broker REST client.
//
// The broker enforces roughly 20 calls/second; this limiter defaults to a
// safety margin of 18/s so a steady caller never trips the broker's own
// throttle. Tokens refill continuously rather than in fixed windows, which
// smooths out burst traffic instead of cliff-edging at a window boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"kats-core/internal/clock"
	"kats-core/internal/metrics"
)

const (
	// DefaultRate is the default token refill rate, tokens per second.
	DefaultRate = 18.0
	// DefaultMaxTokens is the default bucket capacity.
	DefaultMaxTokens = 18.0
)

// Limiter is a token-bucket rate limiter with continuous refill. Callers
// block in Acquire until a token is available or the context is cancelled.
// Exclusive access to the bucket is guarded by a single mutex; Available
// offers a lock-free approximate read for metrics/diagnostics.
type Limiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
	clock    clock.Clock
}

// New creates a rate limiter with the given capacity and refill rate.
func New(maxTokens, ratePerSecond float64, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	return &Limiter{
		tokens:   maxTokens,
		capacity: maxTokens,
		rate:     ratePerSecond,
		lastTime: c.Now(),
		clock:    c,
	}
}

// NewDefault creates a rate limiter using the broker's default rate=18/s,
// max_tokens=18.
func NewDefault(c clock.Clock) *Limiter {
	return New(DefaultMaxTokens, DefaultRate, c)
}

func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.tokens = min(l.capacity, l.tokens+elapsed*l.rate)
	l.lastTime = now
}

// Acquire blocks cooperatively until one token is available or ctx is
// cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()

		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			metrics.RateLimiterTokens.Set(l.tokens)
			return nil
		}

		deficit := 1 - l.tokens
		wait := time.Duration(deficit / l.rate * float64(time.Second))
		l.mu.Unlock()

		metrics.RateLimiterWaitSeconds.Observe(wait.Seconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Available returns the current token count, read without the lock. It is
// an approximation intended for metrics, not for admission decisions.
func (l *Limiter) Available() float64 {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastTime).Seconds()
	return min(l.capacity, l.tokens+elapsed*l.rate)
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
