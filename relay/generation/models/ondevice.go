package models

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// LoadPhase is the lifecycle phase of the on-device model.
type LoadPhase string

const (
	PhaseIdle      LoadPhase = "idle"
	PhaseResolving LoadPhase = "resolving"
	PhaseLoading   LoadPhase = "loading"
	PhaseReady     LoadPhase = "ready"
	PhaseFailed    LoadPhase = "failed"
)

// LoadStatus is the pollable load progress of the on-device model.
type LoadStatus struct {
	Phase    LoadPhase `json:"phase"`
	ModelID  string    `json:"model_id,omitempty"`
	Progress float64   `json:"progress"` // 0..1
	Err      string    `json:"error,omitempty"`
}

// LoadEvent is one transition delivered to subscribers.
type LoadEvent struct {
	Status LoadStatus
	At     time.Time
}

// OnDeviceConfig configures the on-device accelerator backend.
type OnDeviceConfig struct {
	ModelsDir    string
	DefaultModel string
	ContextSize  int
	GPULayers    int
	Threads      int
	MaxTokens    int
	Temperature  float32
}

// engine is a loaded model. Implementations come from the llama build or the
// stub build.
type engine interface {
	Predict(ctx context.Context, prompt string, opts ports.Options) (string, error)
	Close()
}

type engineOpener func(path string, cfg OnDeviceConfig) (engine, error)

// OnDeviceProvider runs GGUF models in process.
type OnDeviceProvider struct {
	cfg      OnDeviceConfig
	logger   zerolog.Logger
	open     engineOpener
	compiled bool // inference is available in this build

	// loadMu serializes Load, Unload and generation.
	loadMu   sync.Mutex
	engine   engine
	tempFile string

	mu           sync.RWMutex
	status       LoadStatus
	family       TemplateFamily // of the ready model
	defaultModel string
	subs         map[int]chan LoadEvent
	nextID       int
}

// NewOnDeviceProvider creates the provider. No model is loaded until Load or
// the first completion.
func NewOnDeviceProvider(cfg OnDeviceConfig, logger zerolog.Logger) *OnDeviceProvider {
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = 4096
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	return &OnDeviceProvider{
		cfg:          cfg,
		logger:       logger.With().Str("component", "ondevice").Logger(),
		open:         openEngine,
		compiled:     engineCompiled,
		defaultModel: cfg.DefaultModel,
		status:       LoadStatus{Phase: PhaseIdle},
		subs:         make(map[int]chan LoadEvent),
	}
}

func (p *OnDeviceProvider) ID() ports.BackendID { return ports.BackendOnDevice }

// PreferModel changes the default model loaded on demand.
func (p *OnDeviceProvider) PreferModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultModel = model
}

func (p *OnDeviceProvider) currentDefault() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaultModel
}

// Status returns the current load status.
func (p *OnDeviceProvider) Status() LoadStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Subscribe returns a stream of load events starting with the current status.
// Slow subscribers miss intermediate events. cancel closes the channel.
func (p *OnDeviceProvider) Subscribe() (<-chan LoadEvent, func()) {
	ch := make(chan LoadEvent, 16)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	ch <- LoadEvent{Status: p.status, At: time.Now()}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (p *OnDeviceProvider) setStatus(st LoadStatus) {
	ev := LoadEvent{Status: st, At: time.Now()}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = st
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SupportsNativeTools reports whether the loaded model's template family
// carries structured tool calls.
func (p *OnDeviceProvider) SupportsNativeTools() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.Phase == PhaseReady && nativeToolFamilies[p.family]
}

// resolveModel maps a model id to a file: an explicit .gguf path, then
// <models_dir>/<id>.gguf, then an embedded model of the same name.
func (p *OnDeviceProvider) resolveModel(modelID string) (path string, embedded bool, err error) {
	if modelID == "" {
		return "", false, fmt.Errorf("%w: no on-device model configured", ports.ErrBackendUnavailable)
	}
	file := modelID
	if !strings.HasSuffix(strings.ToLower(file), ".gguf") {
		file += ".gguf"
	}

	candidates := []string{}
	if filepath.IsAbs(file) || strings.ContainsRune(file, filepath.Separator) {
		candidates = append(candidates, file)
	}
	if p.cfg.ModelsDir != "" {
		candidates = append(candidates, filepath.Join(p.cfg.ModelsDir, filepath.Base(file)))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, false, nil
		}
	}
	if hasEmbeddedModel(filepath.Base(file)) {
		return filepath.Base(file), true, nil
	}
	return "", false, fmt.Errorf("%w: model %q not found in %s", ports.ErrBackendUnavailable, modelID, p.cfg.ModelsDir)
}

// Load makes modelID the active model, replacing any loaded one. Loading the
// already active model is a no-op.
func (p *OnDeviceProvider) Load(ctx context.Context, modelID string) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	return p.loadLocked(ctx, modelID)
}

func (p *OnDeviceProvider) loadLocked(ctx context.Context, modelID string) error {
	if st := p.Status(); p.engine != nil && st.Phase == PhaseReady && st.ModelID == modelID {
		return nil
	}

	fail := func(err error) error {
		p.setStatus(LoadStatus{Phase: PhaseFailed, ModelID: modelID, Err: err.Error()})
		p.logger.Error().Err(err).Str("model", modelID).Msg("model load failed")
		return err
	}

	p.releaseLocked()
	p.setStatus(LoadStatus{Phase: PhaseResolving, ModelID: modelID, Progress: 0.1})
	path, embedded, err := p.resolveModel(modelID)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if embedded {
		p.setStatus(LoadStatus{Phase: PhaseLoading, ModelID: modelID, Progress: 0.2})
		path, err = extractEmbedded(path)
		if err != nil {
			return fail(err)
		}
	}

	if embedded {
		p.tempFile = path
	}

	p.setStatus(LoadStatus{Phase: PhaseLoading, ModelID: modelID, Progress: 0.5})
	start := time.Now()
	eng, err := p.open(path, p.cfg)
	if err != nil {
		p.releaseLocked()
		return fail(err)
	}
	p.engine = eng
	family := FamilyFor(modelID)
	p.mu.Lock()
	p.family = family
	p.mu.Unlock()

	p.setStatus(LoadStatus{Phase: PhaseReady, ModelID: modelID, Progress: 1})
	p.logger.Info().Str("model", modelID).Str("family", string(family)).Dur("duration", time.Since(start)).Msg("model loaded")
	return nil
}

// Unload frees the active model.
func (p *OnDeviceProvider) Unload() error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.engine == nil {
		return nil
	}
	p.releaseLocked()
	p.setStatus(LoadStatus{Phase: PhaseIdle})
	p.logger.Info().Msg("model unloaded")
	return nil
}

func (p *OnDeviceProvider) releaseLocked() {
	if p.engine != nil {
		p.engine.Close()
		p.engine = nil
	}
	if p.tempFile != "" {
		_ = os.Remove(p.tempFile)
		p.tempFile = ""
	}
}

// Probe reports the backend available when a model is loaded, or when the
// default model resolves and inference is compiled in.
func (p *OnDeviceProvider) Probe(ctx context.Context) ports.ProbeResult {
	res := ports.ProbeResult{Backend: ports.BackendOnDevice, CheckedAt: time.Now()}

	if st := p.Status(); st.Phase == PhaseReady {
		res.Available = true
		res.Model = st.ModelID
		res.NativeTools = p.SupportsNativeTools()
		return res
	}
	if !p.compiled {
		res.Diagnostic = errEngineMissing.Error()
		return res
	}
	def := p.currentDefault()
	if _, _, err := p.resolveModel(def); err != nil {
		res.Diagnostic = err.Error()
		return res
	}
	res.Available = true
	res.Model = def
	res.NativeTools = nativeToolFamilies[FamilyFor(def)]
	return res
}

// Complete renders the prompt with the model's chat template and generates.
// Without a loaded model the default model is loaded first.
func (p *OnDeviceProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	if p.engine == nil {
		if err := p.loadLocked(ctx, p.currentDefault()); err != nil {
			return ports.Completion{}, err
		}
	}
	p.mu.RLock()
	family := p.family
	p.mu.RUnlock()
	if len(in.Tools) > 0 && !nativeToolFamilies[family] {
		return ports.Completion{}, ports.ErrToolsUnsupported
	}

	prompt, err := RenderPrompt(family, in)
	if err != nil {
		return ports.Completion{}, &ports.ProtocolError{Reason: err.Error()}
	}
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = p.cfg.MaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = p.cfg.Temperature
	}
	opts.Stop = append(slices.Clone(opts.Stop), stopWords[family]...)

	start := time.Now()
	text, err := p.engine.Predict(ctx, prompt, opts)
	if err != nil {
		if ctx.Err() != nil {
			return ports.Completion{}, ctx.Err()
		}
		return ports.Completion{}, fmt.Errorf("%w: prediction failed: %v", ports.ErrBackendUnavailable, err)
	}
	text = trimStops(text, opts.Stop)

	model := p.Status().ModelID
	p.logger.Debug().Str("model", model).Int("prompt_bytes", len(prompt)).Dur("duration", time.Since(start)).Msg("on-device completion")
	return ports.Completion{Text: text, Model: model}, nil
}

func trimStops(text string, stops []string) string {
	for _, s := range stops {
		if i := strings.Index(text, s); i >= 0 {
			text = text[:i]
		}
	}
	return strings.TrimSpace(text)
}

// Close unloads the model and ends all subscriptions.
func (p *OnDeviceProvider) Close() error {
	err := p.Unload()
	p.mu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()
	return err
}

// extractEmbedded writes an embedded GGUF file to a read-only temp file.
func extractEmbedded(name string) (string, error) {
	data, err := embeddedModel(name)
	if err != nil {
		return "", err
	}
	if len(data) < 4 || !bytes.HasPrefix(data, []byte("GGUF")) {
		return "", errors.New("invalid GGUF header in embedded model data")
	}

	f, err := os.CreateTemp("", "toolrelay_*_"+name)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write model data to temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to fsync temp model file: %w", err)
	}
	_ = os.Chmod(f.Name(), 0o400)
	return f.Name(), nil
}

var _ ports.Provider = (*OnDeviceProvider)(nil)
