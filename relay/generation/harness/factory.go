package harness

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolrelay/relay/config"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	harnessConfig *config.HarnessConfig
	db            *sql.DB               // optional, for the transcript store
	registerer    prometheus.Registerer // optional, for metrics
	logger        zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(harnessConfig *config.HarnessConfig, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		harnessConfig: harnessConfig,
		db:            db,
		logger:        logger,
	}
}

// WithRegisterer sets where metrics collectors are registered.
func (f *Factory) WithRegisterer(reg prometheus.Registerer) *Factory {
	f.registerer = reg
	return f
}

// CreateOrchestrator creates a fully wired Orchestrator from config.
func (f *Factory) CreateOrchestrator(backends Backends, tools ToolHost, preference ports.BackendID) (*Orchestrator, error) {
	tracer, err := f.createTracer()
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(backends, tools,
		WithPreference(preference),
		WithPolicy(f.CreatePolicy()),
		WithGuardrails(f.CreateGuardrails()),
		WithStore(f.createStore()),
		WithRateLimiter(f.createRateLimiter()),
		WithTracer(tracer),
		WithLogger(f.logger.With().Str("component", "orchestrator").Logger()),
	), nil
}

// CreateCache creates the probe cache.
func (f *Factory) CreateCache() ports.Cache {
	if f.harnessConfig.CacheCapacity <= 0 {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.harnessConfig.CacheCapacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.harnessConfig.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.harnessConfig.RateLimitCapacity, f.harnessConfig.RateLimitRefillRate)
}

func (f *Factory) createTracer() (ports.Tracer, error) {
	var tracers adapters.MultiTracer
	if f.harnessConfig.EnableTracing {
		tracers = append(tracers, adapters.NewZerologTracer(f.logger.With().Str("component", "trace").Logger()))
	}
	if f.harnessConfig.MetricsEnabled && f.registerer != nil {
		pt, err := adapters.NewPrometheusTracer(f.registerer)
		if err != nil {
			return nil, err
		}
		tracers = append(tracers, pt)
	}
	switch len(tracers) {
	case 0:
		return &noOpTracer{}, nil
	case 1:
		return tracers[0], nil
	default:
		return tracers, nil
	}
}

func (f *Factory) createStore() ports.ConversationStore {
	if f.db == nil || !f.harnessConfig.TranscriptEnabled {
		return &noOpStore{}
	}
	return adapters.NewLibSQLConversationStore(f.db)
}

// CreateGuardrails creates guardrails from config.
func (f *Factory) CreateGuardrails() *Guardrails {
	guardrails := NewGuardrails()
	guardrails.SetSchemaValidation(f.harnessConfig.EnableGuardrails)
	for _, toolName := range f.harnessConfig.AllowedTools {
		guardrails.AddAllowedTool(toolName)
	}
	return guardrails
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() Policy {
	policy := Policy{
		MaxIterations:  f.harnessConfig.MaxIterations,
		BackendTimeout: f.harnessConfig.BackendTimeout,
		MaxNewTokens:   f.harnessConfig.MaxNewTokens,
		Temperature:    f.harnessConfig.Temperature,
	}

	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
		f.logger.Warn().Int("max_iterations", f.harnessConfig.MaxIterations).Msg("MaxIterations clamped to minimum of 1")
	}
	if policy.MaxIterations > 50 {
		policy.MaxIterations = 50
		f.logger.Warn().Int("max_iterations", f.harnessConfig.MaxIterations).Msg("MaxIterations clamped to maximum of 50")
	}
	if policy.BackendTimeout <= 0 {
		policy.BackendTimeout = BackendCallTimeout
	}
	if policy.BackendTimeout > 10*time.Minute {
		policy.BackendTimeout = 10 * time.Minute
		f.logger.Warn().Dur("backend_timeout", f.harnessConfig.BackendTimeout).Msg("BackendTimeout clamped to maximum of 10m")
	}
	if policy.MaxNewTokens <= 0 {
		policy.MaxNewTokens = DefaultPolicy().MaxNewTokens
	}
	return policy
}

// noOpCache implements Cache with no-op behavior for a disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	return nil
}

var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
