package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling rate limiter. Each broker in the
// pool gets one sized to its orders-per-minute budget; the smooth refill
// avoids bursting the full window at once.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill
// rate per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// perMinuteBucket sizes a bucket for n orders per minute with a burst of
// one second's worth (at least 1).
func perMinuteBucket(n int) *TokenBucket {
	rate := float64(n) / 60
	burst := rate
	if burst < 1 {
		burst = 1
	}
	return NewTokenBucket(burst, rate)
}

func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// TryAcquire takes a token without blocking. The selection loop uses this to
// skip brokers that are over their window.
func (tb *TokenBucket) TryAcquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked()
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
