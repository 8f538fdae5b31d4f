package models

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

const (
	DefaultProbeDebounce = 2 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ModelPreferrer is implemented by providers whose served model can be
// changed at runtime.
type ModelPreferrer interface {
	PreferModel(model string)
}

// Prober runs provider probes concurrently. Concurrent callers share one
// in-flight probe, and results younger than the debounce window are served
// from the cache.
type Prober struct {
	providers []ports.Provider
	cache     ports.Cache
	debounce  time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
	group     singleflight.Group
}

// NewProber creates a prober. A nil cache disables debouncing.
func NewProber(providers []ports.Provider, cache ports.Cache, debounce, timeout time.Duration, logger zerolog.Logger) *Prober {
	if debounce < 0 {
		debounce = 0
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		providers: providers,
		cache:     cache,
		debounce:  debounce,
		timeout:   timeout,
		logger:    logger.With().Str("component", "prober").Logger(),
	}
}

// Providers returns the registered providers in priority order.
func (p *Prober) Providers() []ports.Provider { return p.providers }

// Provider returns the provider for id.
func (p *Prober) Provider(id ports.BackendID) (ports.Provider, bool) {
	for _, pr := range p.providers {
		if pr.ID() == id {
			return pr, true
		}
	}
	return nil, false
}

func cacheKey(id ports.BackendID) string { return "probe:" + string(id) }

// ProbeAll returns one result per provider.
func (p *Prober) ProbeAll(ctx context.Context) map[ports.BackendID]ports.ProbeResult {
	v, _, _ := p.group.Do("probe-all", func() (any, error) {
		return p.probeAll(ctx), nil
	})
	shared := v.(map[ports.BackendID]ports.ProbeResult)

	out := make(map[ports.BackendID]ports.ProbeResult, len(shared))
	for k, r := range shared {
		out[k] = r
	}
	return out
}

// Results orders a ProbeAll result by priority.
func Results(m map[ports.BackendID]ports.ProbeResult) []ports.ProbeResult {
	out := make([]ports.ProbeResult, 0, len(m))
	for _, id := range Priority {
		if r, ok := m[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (p *Prober) probeAll(ctx context.Context) map[ports.BackendID]ports.ProbeResult {
	// The probe is shared, so one caller's cancellation must not spoil it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out = make(map[ports.BackendID]ports.ProbeResult, len(p.providers))
		wg  conc.WaitGroup
	)
	for _, pr := range p.providers {
		if r, ok := p.cached(ctx, pr.ID()); ok {
			out[pr.ID()] = r
			continue
		}
		wg.Go(func() {
			r := pr.Probe(ctx)
			r.Backend = pr.ID()
			if r.CheckedAt.IsZero() {
				r.CheckedAt = time.Now()
			}
			p.store(ctx, r)

			mu.Lock()
			out[pr.ID()] = r
			mu.Unlock()
		})
	}
	wg.Wait()

	for id, r := range out {
		p.logger.Debug().Str("backend", string(id)).Bool("available", r.Available).Str("model", r.Model).Msg("probe")
	}
	return out
}

func (p *Prober) cached(ctx context.Context, id ports.BackendID) (ports.ProbeResult, bool) {
	if p.cache == nil || p.debounce == 0 {
		return ports.ProbeResult{}, false
	}
	raw, ok := p.cache.Get(ctx, cacheKey(id))
	if !ok {
		return ports.ProbeResult{}, false
	}
	var r ports.ProbeResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return ports.ProbeResult{}, false
	}
	return r, true
}

func (p *Prober) store(ctx context.Context, r ports.ProbeResult) {
	if p.cache == nil || p.debounce == 0 {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, cacheKey(r.Backend), raw, p.debounce); err != nil {
		p.logger.Debug().Err(err).Msg("failed to cache probe result")
	}
}

// Invalidate drops cached results so the next ProbeAll probes again.
func (p *Prober) Invalidate(ctx context.Context) {
	if p.cache == nil {
		return
	}
	for _, pr := range p.providers {
		_ = p.cache.Delete(ctx, cacheKey(pr.ID()))
	}
}

// Prefer applies per-backend model hints and invalidates affected results.
func (p *Prober) Prefer(ctx context.Context, hints map[ports.BackendID]string) {
	for id, model := range hints {
		if model == "" {
			continue
		}
		pr, ok := p.Provider(id)
		if !ok {
			continue
		}
		if mp, ok := pr.(ModelPreferrer); ok {
			mp.PreferModel(model)
			if p.cache != nil {
				_ = p.cache.Delete(ctx, cacheKey(id))
			}
		}
	}
}

// Choose probes (debounced) and returns the provider picked for preference
// along with its probe result.
func (p *Prober) Choose(ctx context.Context, preference ports.BackendID) (ports.Provider, ports.ProbeResult, error) {
	probes := p.ProbeAll(ctx)
	id, err := Select(preference, Results(probes))
	if err != nil {
		return nil, ports.ProbeResult{}, err
	}
	pr, ok := p.Provider(id)
	if !ok {
		return nil, ports.ProbeResult{}, fmt.Errorf("%w: %s is not registered", ports.ErrNoProviderAvailable, id)
	}
	return pr, probes[id], nil
}
