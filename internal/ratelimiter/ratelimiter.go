// Package ratelimiter provides a token bucket used to throttle forced
// key-set refetches.
//
// A token is spent each time an unknown kid forces a refetch. Tokens are
// refilled at a fixed rate up to the burst capacity, so a burst of rotated
// keys is served immediately while a flood of random kids cannot turn into a
// flood of requests to the identity provider.
package ratelimiter

import (
	"sync"
	"time"
)

// TokenBucket is safe for concurrent use.
type TokenBucket struct {
	mu  sync.Mutex
	now func() time.Time

	rate     float64 // tokens per second
	capacity float64

	tokens   float64
	lastFill time.Time

	totalAllowed int64
	totalDenied  int64
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithClock overrides the clock used for refills.
func WithClock(now func() time.Time) Option {
	return func(tb *TokenBucket) { tb.now = now }
}

// NewTokenBucket creates a full bucket refilled at rate tokens per second
// holding at most burst tokens.
//
//	NewTokenBucket(1.0/60, 5) // five refetches at once, then one a minute
func NewTokenBucket(rate float64, burst int, opts ...Option) *TokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}

	tb := &TokenBucket{
		now:      time.Now,
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
	}
	for _, opt := range opts {
		opt(tb)
	}
	tb.lastFill = tb.now()
	return tb
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available. It never blocks.
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		tb.totalAllowed++
		return true
	}

	tb.totalDenied++
	return false
}

// Stats is a point-in-time view of the bucket.
type Stats struct {
	Rate         float64 `json:"rate"`
	Capacity     float64 `json:"capacity"`
	Tokens       float64 `json:"tokens"`
	TotalAllowed int64   `json:"total_allowed"`
	TotalDenied  int64   `json:"total_denied"`
}

func (tb *TokenBucket) Stats() Stats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	return Stats{
		Rate:         tb.rate,
		Capacity:     tb.capacity,
		Tokens:       tb.tokens,
		TotalAllowed: tb.totalAllowed,
		TotalDenied:  tb.totalDenied,
	}
}

// refill must be called with mu held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += tb.rate * elapsed
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastFill = now
}

// SetRate changes the refill rate, keeping tokens accrued so far.
func (tb *TokenBucket) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	tb.rate = rate
}
