package harnessports

import (
	"context"
	"time"
)

// Cache stores short-lived byte values, such as debounced probe results.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
