// Package ratelimit wraps golang.org/x/time/rate with a clock hook so
// bucket behavior is deterministic under test.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket. It starts full at the burst size and refills at
// the configured rate.
type Bucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		b.now = now
	}
}

// NewBucket creates a bucket refilling tokensPerSecond with the given burst.
func NewBucket(tokensPerSecond float64, burst int, opts ...Option) *Bucket {
	b := &Bucket{
		limiter: rate.NewLimiter(rate.Limit(tokensPerSecond), burst),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TryConsume takes one token if available and reports whether it succeeded.
// It never blocks.
func (b *Bucket) TryConsume() bool {
	return b.limiter.AllowN(b.now(), 1)
}

// Tokens returns the current token count at the bucket's clock.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}
