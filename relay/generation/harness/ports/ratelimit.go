package harnessports

import "context"

// RateLimiter throttles backend calls. Keys are backend ids.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
