package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// TokenBucket limits backend calls per key. Acquire waits for a token until the
// context is done.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time to mint one token
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Acquire takes one token for key. The returned release is a no-op; tokens
// come back only with time.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	for {
		wait, ok := tb.take(key)
		if ok {
			return func() {}, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &RateLimitError{Key: key, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

// take consumes a token or reports how long until the next one.
func (tb *TokenBucket) take(key string) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	if minted := int(now.Sub(b.lastRefill) / tb.refillRate); minted > 0 {
		b.tokens = min(b.tokens+minted, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(minted) * tb.refillRate)
	}

	if b.tokens > 0 {
		b.tokens--
		return 0, true
	}
	return tb.refillRate - now.Sub(b.lastRefill), false
}

// RateLimitError is returned when a caller gives up waiting for a token.
type RateLimitError struct {
	Key string
	Err error
}

func (e *RateLimitError) Error() string {
	return "rate limit wait for " + e.Key + ": " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error { return e.Err }

var _ ports.RateLimiter = (*TokenBucket)(nil)
