// Package ratelimit throttles how fast a single user may publish messages.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Limiter interface {
	// Allow reports whether one more event for key fits the budget.
	Allow(ctx context.Context, key string) (bool, error)
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// TokenBucket is an in-process limiter with one bucket per key. A bucket
// holds up to capacity tokens and refills capacity tokens per interval.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	buckets  map[string]*bucket
	now      func() time.Time
}

func NewTokenBucket(capacity int, interval time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &TokenBucket{
		capacity: float64(capacity),
		rate:     float64(capacity) / interval.Seconds(),
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastCheck: now}
		tb.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.lastCheck = now
	if elapsed > 0 {
		b.tokens += elapsed * tb.rate
		if b.tokens > tb.capacity {
			b.tokens = tb.capacity
		}
	}

	if b.tokens < 1 {
		return false, nil
	}

	b.tokens--
	return true, nil
}

// Forget drops the bucket for key.
func (tb *TokenBucket) Forget(key string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.buckets, key)
}
