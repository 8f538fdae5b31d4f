package models

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

func probes(avail ...ports.BackendID) []ports.ProbeResult {
	set := map[ports.BackendID]bool{}
	for _, id := range avail {
		set[id] = true
	}
	var out []ports.ProbeResult
	for _, id := range Priority {
		out = append(out, ports.ProbeResult{Backend: id, Available: set[id]})
	}
	return out
}

func TestSelectAutoPriority(t *testing.T) {
	tests := []struct {
		name  string
		avail []ports.BackendID
		want  ports.BackendID
	}{
		{"all available", []ports.BackendID{ports.BackendOnDevice, ports.BackendOllama, ports.BackendAnthropic}, ports.BackendOnDevice},
		{"local server and cloud", []ports.BackendID{ports.BackendOllama, ports.BackendAnthropic}, ports.BackendOllama},
		{"cloud only", []ports.BackendID{ports.BackendAnthropic}, ports.BackendAnthropic},
		{"on-device and cloud", []ports.BackendID{ports.BackendOnDevice, ports.BackendAnthropic}, ports.BackendOnDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(ports.BackendAuto, probes(tt.avail...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectNoneAvailable(t *testing.T) {
	in := []ports.ProbeResult{
		{Backend: ports.BackendOllama, Diagnostic: "connection refused"},
		{Backend: ports.BackendAnthropic},
	}
	_, err := Select(ports.BackendAuto, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrNoProviderAvailable))
	assert.Contains(t, err.Error(), "connection refused")

	_, err = Select(ports.BackendAuto, nil)
	assert.Equal(t, ports.ErrNoProviderAvailable, err)
}

func TestSelectIsDeterministic(t *testing.T) {
	in := probes(ports.BackendOllama, ports.BackendAnthropic)
	first, err1 := Select(ports.BackendAuto, in)
	for range 20 {
		got, err := Select(ports.BackendAuto, in)
		assert.Equal(t, first, got)
		assert.Equal(t, err1, err)
	}

	none := probes()
	_, errA := Select(ports.BackendAuto, none)
	_, errB := Select(ports.BackendAuto, none)
	assert.Equal(t, errA, errB)
}

func TestSelectSpecificPreference(t *testing.T) {
	got, err := Select(ports.BackendAnthropic, probes(ports.BackendOnDevice, ports.BackendAnthropic))
	require.NoError(t, err)
	assert.Equal(t, ports.BackendAnthropic, got)

	_, err = Select(ports.BackendOllama, probes(ports.BackendOnDevice, ports.BackendAnthropic))
	assert.ErrorIs(t, err, ports.ErrNoProviderAvailable, "a named backend never falls back")
}

func TestParseBackendID(t *testing.T) {
	for in, want := range map[string]ports.BackendID{
		"":          ports.BackendAuto,
		"auto":      ports.BackendAuto,
		"Ollama":    ports.BackendOllama,
		"on-device": ports.BackendOnDevice,
		"cloud":     ports.BackendAnthropic,
	} {
		got, err := ParseBackendID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseBackendID("gpt")
	assert.Error(t, err)
}

// countingProvider counts probes and can block them until released.
type countingProvider struct {
	id      ports.BackendID
	avail   bool
	probes  atomic.Int32
	gate    chan struct{}
	preferd atomic.Value
}

func (p *countingProvider) ID() ports.BackendID { return p.id }

func (p *countingProvider) Probe(ctx context.Context) ports.ProbeResult {
	p.probes.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	return ports.ProbeResult{Backend: p.id, Available: p.avail, Model: "m"}
}

func (p *countingProvider) Complete(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
	return ports.Completion{}, nil
}

func (p *countingProvider) PreferModel(model string) { p.preferd.Store(model) }

func TestProberDebounces(t *testing.T) {
	a := &countingProvider{id: ports.BackendOllama, avail: true}
	b := &countingProvider{id: ports.BackendAnthropic}
	pr := NewProber([]ports.Provider{a, b}, adapters.NewLRUCache(16), time.Minute, time.Second, zerolog.Nop())
	ctx := context.Background()

	first := pr.ProbeAll(ctx)
	second := pr.ProbeAll(ctx)

	assert.Equal(t, int32(1), a.probes.Load())
	assert.Equal(t, int32(1), b.probes.Load())
	assert.True(t, first[ports.BackendOllama].Available)
	assert.Equal(t, first[ports.BackendOllama].Available, second[ports.BackendOllama].Available)
	assert.False(t, second[ports.BackendAnthropic].Available)

	pr.Invalidate(ctx)
	pr.ProbeAll(ctx)
	assert.Equal(t, int32(2), a.probes.Load())
}

func TestProberSharesInFlightProbe(t *testing.T) {
	a := &countingProvider{id: ports.BackendOllama, avail: true, gate: make(chan struct{})}
	pr := NewProber([]ports.Provider{a}, nil, 0, time.Second, zerolog.Nop())

	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)
	results := make([]map[ports.BackendID]ports.ProbeResult, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Add(1)
			results[i] = pr.ProbeAll(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return started.Load() == 5 && a.probes.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(a.gate)
	wg.Wait()

	assert.Equal(t, int32(1), a.probes.Load())
	for _, r := range results {
		assert.True(t, r[ports.BackendOllama].Available)
	}
}

func TestProberPrefer(t *testing.T) {
	a := &countingProvider{id: ports.BackendOllama, avail: true}
	pr := NewProber([]ports.Provider{a}, adapters.NewLRUCache(4), time.Minute, time.Second, zerolog.Nop())
	ctx := context.Background()

	pr.ProbeAll(ctx)
	pr.Prefer(ctx, map[ports.BackendID]string{ports.BackendOllama: "qwen3:4b"})
	pr.ProbeAll(ctx)

	assert.Equal(t, "qwen3:4b", a.preferd.Load())
	assert.Equal(t, int32(2), a.probes.Load(), "a new hint invalidates the cached result")
}

func TestResultsOrder(t *testing.T) {
	got := Results(map[ports.BackendID]ports.ProbeResult{
		ports.BackendAnthropic: {Backend: ports.BackendAnthropic},
		ports.BackendOnDevice:  {Backend: ports.BackendOnDevice},
	})
	require.Len(t, got, 2)
	assert.Equal(t, ports.BackendOnDevice, got[0].Backend)
}
