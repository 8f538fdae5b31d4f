package adapters

import (
	"context"
	"time"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
	"github.com/rs/zerolog"
)

// spanLoggerKey is per tracer so tracers sharing a ctx keep their own sinks.
type spanLoggerKey struct{ t *ZerologTracer }

// ZerologTracer implements the Tracer interface using zerolog.
type ZerologTracer struct {
	logger zerolog.Logger
}

// NewZerologTracer creates a new zerolog tracer.
func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

// StartSpan logs span start and returns a finish func that logs duration and error.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	lctx := t.spanLogger(ctx).With().Str("span", name)
	for k, v := range attrs {
		lctx = lctx.Interface(k, v)
	}
	logger := lctx.Logger()
	ctx = context.WithValue(ctx, spanLoggerKey{t}, logger)

	start := time.Now()
	logger.Debug().Str("event", "span_start").Msg("span started")

	return ctx, func(err error) {
		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("event", "span_end").Dur("duration", time.Since(start)).Msg("span finished")
	}
}

// Event logs a point event against the current span, if any.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger := t.spanLogger(ctx)
	event := logger.Info()
	for k, v := range attrs {
		event = event.Interface(k, v)
	}
	event.Str("event", name).Msg("trace event")
}

func (t *ZerologTracer) spanLogger(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(spanLoggerKey{t}).(zerolog.Logger); ok {
		return logger
	}
	return t.logger
}

// MultiTracer fans spans and events out to several tracers.
type MultiTracer []ports.Tracer

func (m MultiTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	finishers := make([]func(error), 0, len(m))
	for _, t := range m {
		var finish func(error)
		ctx, finish = t.StartSpan(ctx, name, attrs)
		finishers = append(finishers, finish)
	}
	return ctx, func(err error) {
		for i := len(finishers) - 1; i >= 0; i-- {
			finishers[i](err)
		}
	}
}

func (m MultiTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	for _, t := range m {
		t.Event(ctx, name, attrs)
	}
}

var (
	_ ports.Tracer = (*ZerologTracer)(nil)
	_ ports.Tracer = MultiTracer(nil)
)
