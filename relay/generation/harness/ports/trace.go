package harnessports

import "context"

// Tracer emits spans and point events. Adapters log them or turn them into metrics.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}
