package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBucketBurstThenRefusal(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBucket(10, 10, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		require.True(t, b.TryConsume(), "token %d should be available", i)
	}
	assert.False(t, b.TryConsume(), "11th consume within the same instant must fail")
}

func TestBucketRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBucket(10, 10, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		require.True(t, b.TryConsume())
	}
	require.False(t, b.TryConsume())

	// 10 tokens/s means one token back every 100ms.
	clock.Advance(150 * time.Millisecond)
	assert.True(t, b.TryConsume())
	assert.False(t, b.TryConsume())
}

func TestBucketNeverExceedsBurst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBucket(10, 10, WithClock(clock.Now))

	clock.Advance(time.Hour)
	assert.LessOrEqual(t, b.Tokens(), float64(10))
}
