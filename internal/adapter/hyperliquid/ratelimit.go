// ratelimit.go implements token-bucket rate limiting for the Hyperliquid API.
//
// Hyperliquid weighs REST requests against a per-minute budget per IP. Two
// buckets keep us well inside it with continuous refill instead of bursts:
//   - Info:     100 burst / 10 per sec (order books, mids, account state)
//   - Exchange:  60 burst /  6 per sec (order placement and cancels)
package hyperliquid

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling rate limiter. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by Hyperliquid endpoint category.
type RateLimiter struct {
	Info     *TokenBucket // POST /info
	Exchange *TokenBucket // POST /exchange
}

// NewRateLimiter creates buckets tuned to Hyperliquid's published weights.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Info:     NewTokenBucket(100, 10),
		Exchange: NewTokenBucket(60, 6),
	}
}
