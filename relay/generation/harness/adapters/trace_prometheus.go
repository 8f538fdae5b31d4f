package adapters

import (
	"context"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusTracer turns spans into duration histograms and events into counters.
// Only the "backend" and "tool" attributes become labels to keep cardinality bounded.
type PrometheusTracer struct {
	spans  *prometheus.HistogramVec
	errors *prometheus.CounterVec
	events *prometheus.CounterVec
}

// NewPrometheusTracer registers its collectors with reg.
func NewPrometheusTracer(reg prometheus.Registerer) (*PrometheusTracer, error) {
	t := &PrometheusTracer{
		spans: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrelay",
			Name:      "span_duration_seconds",
			Help:      "Duration of orchestration spans.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"span", "backend"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrelay",
			Name:      "span_errors_total",
			Help:      "Spans that finished with an error.",
		}, []string{"span", "backend"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrelay",
			Name:      "events_total",
			Help:      "Point events emitted by the orchestrator.",
		}, []string{"event", "tool"}),
	}
	for _, c := range []prometheus.Collector{t.spans, t.errors, t.events} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return t, nil
}

func (t *PrometheusTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	backend := label(attrs, "backend")
	start := time.Now()
	return ctx, func(err error) {
		t.spans.WithLabelValues(name, backend).Observe(time.Since(start).Seconds())
		if err != nil {
			t.errors.WithLabelValues(name, backend).Inc()
		}
	}
}

func (t *PrometheusTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	t.events.WithLabelValues(name, label(attrs, "tool")).Inc()
}

func label(attrs map[string]any, key string) string {
	if v, ok := attrs[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

var _ ports.Tracer = (*PrometheusTracer)(nil)
