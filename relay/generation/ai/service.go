package ai

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolrelay/relay/config"
	"github.com/ZanzyTHEbar/toolrelay/relay/db"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/harness"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/models"
	"github.com/ZanzyTHEbar/toolrelay/relay/toolservers"
)

// ErrOnDeviceDisabled is returned by the model lifecycle methods when the
// on-device backend is not configured.
var ErrOnDeviceDisabled = fmt.Errorf("%w: on-device backend is disabled", ports.ErrBackendUnavailable)

// descriptorSettle coalesces bursts of writes to the descriptor file.
const descriptorSettle = 250 * time.Millisecond

// ProbeHints carries a preferred model per backend.
type ProbeHints map[ports.BackendID]string

// Service is the entry point used by front ends: backend probing, tool
// server management, conversation turns and the on-device model lifecycle.
type Service struct {
	cfg    *config.Config
	base   zerolog.Logger
	logger zerolog.Logger

	db     *sql.DB
	ownsDB bool

	prober       *models.Prober
	onDevice     *models.OnDeviceProvider // nil when disabled
	manager      *toolservers.Manager
	orchestrator *harness.Orchestrator

	stopWatch context.CancelFunc
}

// Option customizes NewService.
type Option func(*serviceOptions)

type serviceOptions struct {
	db         *sql.DB
	registerer prometheus.Registerer
	providers  []ports.Provider
	store      toolservers.DescriptorStore
	transports toolservers.TransportFactory
}

// WithDB shares an open database instead of opening relay.database.dsn.
func WithDB(conn *sql.DB) Option { return func(o *serviceOptions) { o.db = conn } }

// WithRegisterer registers harness metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *serviceOptions) { o.registerer = reg }
}

// WithProviders replaces the configured backends, in priority order.
func WithProviders(providers ...ports.Provider) Option {
	return func(o *serviceOptions) { o.providers = providers }
}

// WithDescriptorStore replaces the configured descriptor store.
func WithDescriptorStore(store toolservers.DescriptorStore) Option {
	return func(o *serviceOptions) { o.store = store }
}

// WithTransportFactory replaces how tool server transports are created.
func WithTransportFactory(f toolservers.TransportFactory) Option {
	return func(o *serviceOptions) { o.transports = f }
}

// NewService wires the providers, the tool server manager and the
// orchestrator from cfg and loads the persisted descriptors.
func NewService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	preference, err := models.ParseBackendID(cfg.Providers.Preference)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		base:   logger,
		logger: logger.With().Str("component", "service").Logger(),
		db:     o.db,
	}

	if s.db == nil && s.needsDB(o.store) {
		conn, err := db.ConnectToDB(ctx, cfg.Relay.Database.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db, s.ownsDB = conn, true
	}

	factory := harness.NewFactory(&cfg.Harness, s.db, logger)
	if o.registerer != nil {
		factory.WithRegisterer(o.registerer)
	}

	providers := o.providers
	if providers == nil {
		providers = s.buildProviders(logger)
	}
	s.prober = models.NewProber(providers, factory.CreateCache(), cfg.Providers.ProbeDebounce, cfg.Providers.ProbeTimeout, logger)

	store := o.store
	if store == nil {
		if store, err = s.buildStore(); err != nil {
			s.closeDB()
			return nil, err
		}
	}
	transports := o.transports
	if transports == nil {
		transports = toolservers.DefaultTransports{Runtime: toolservers.NewRuntimeResolver(cfg.Relay.RuntimeDir)}
	}
	s.manager = toolservers.NewManager(store,
		toolservers.WithLogger(logger),
		toolservers.WithTransportFactory(transports),
		toolservers.WithConnectTimeout(cfg.Relay.ConnectTimeout),
	)
	if err := s.manager.Load(ctx); err != nil {
		s.closeDB()
		return nil, err
	}

	if fs, ok := store.(*toolservers.FileDescriptorStore); ok && cfg.Relay.WatchDescriptor {
		watchCtx, cancel := context.WithCancel(context.Background())
		if err := fs.Watch(watchCtx, descriptorSettle, s.manager.Reload); err != nil {
			s.logger.Warn().Err(err).Str("path", fs.Path()).Msg("descriptor file will not be watched")
			cancel()
		} else {
			s.stopWatch = cancel
		}
	}

	s.orchestrator, err = factory.CreateOrchestrator(s.prober, s.manager, preference)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	s.logger.Info().
		Str("preference", string(preference)).
		Int("providers", len(providers)).
		Int("tool_servers", len(s.manager.List())).
		Msg("service ready")
	return s, nil
}

func (s *Service) needsDB(store toolservers.DescriptorStore) bool {
	if s.cfg.Harness.TranscriptEnabled {
		return true
	}
	kind := s.cfg.Relay.DescriptorStore
	return store == nil && (kind == "sql" || kind == "")
}

func (s *Service) buildProviders(logger zerolog.Logger) []ports.Provider {
	pc := s.cfg.Providers
	var providers []ports.Provider
	if pc.OnDevice.Enabled {
		s.onDevice = models.NewOnDeviceProvider(models.OnDeviceConfig{
			ModelsDir:    pc.OnDevice.ModelsDir,
			DefaultModel: pc.OnDevice.DefaultModel,
			ContextSize:  pc.OnDevice.ContextSize,
			GPULayers:    pc.OnDevice.GPULayers,
			Threads:      pc.OnDevice.Threads,
			MaxTokens:    pc.OnDevice.MaxTokens,
			Temperature:  pc.OnDevice.Temperature,
		}, logger)
		providers = append(providers, s.onDevice)
	}
	if pc.Ollama.Enabled {
		providers = append(providers, models.NewOllamaProvider(models.OllamaConfig{
			Endpoint:     pc.Ollama.Endpoint,
			Model:        pc.Ollama.Model,
			ProbeTimeout: pc.ProbeTimeout,
			Timeouts: models.TimeoutConfig{
				ConnectionTimeout: pc.Ollama.ConnectionTimeout,
				FirstTokenTimeout: pc.Ollama.FirstTokenTimeout,
				StreamIdleTimeout: pc.Ollama.StreamIdleTimeout,
			},
		}, logger))
	}
	if pc.Anthropic.Enabled {
		providers = append(providers, models.NewAnthropicProvider(models.AnthropicConfig{
			Endpoint:  pc.Anthropic.Endpoint,
			Model:     pc.Anthropic.Model,
			APIKey:    pc.Anthropic.APIKey,
			MaxTokens: pc.Anthropic.MaxTokens,
		}, logger))
	}
	return providers
}

func (s *Service) buildStore() (toolservers.DescriptorStore, error) {
	switch s.cfg.Relay.DescriptorStore {
	case "memory":
		return toolservers.NewMemoryDescriptorStore(), nil
	case "file":
		return toolservers.NewFileDescriptorStore(s.cfg.Relay.DescriptorFile, s.base), nil
	case "sql", "":
		if s.db == nil {
			return nil, fmt.Errorf("descriptor store sql requires a database")
		}
		return toolservers.NewSQLDescriptorStore(s.db), nil
	default:
		return nil, fmt.Errorf("unknown descriptor store %q", s.cfg.Relay.DescriptorStore)
	}
}

// ProbeAll applies hints and returns the availability of every backend.
// Results younger than the debounce window are reused.
func (s *Service) ProbeAll(ctx context.Context, hints ProbeHints) map[ports.BackendID]ports.ProbeResult {
	if len(hints) > 0 {
		s.prober.Prefer(ctx, hints)
	}
	return s.prober.ProbeAll(ctx)
}

// Preference returns the backend preference used for new turns.
func (s *Service) Preference() ports.BackendID { return s.orchestrator.Preference() }

// SetPreference changes the backend preference used for new turns.
func (s *Service) SetPreference(id ports.BackendID) { s.orchestrator.SetPreference(id) }

// CreateServer registers a tool server descriptor.
func (s *Service) CreateServer(ctx context.Context, d toolservers.Descriptor) (toolservers.Descriptor, error) {
	return s.manager.Create(ctx, d)
}

// GetServer returns the descriptor with id.
func (s *Service) GetServer(id string) (toolservers.Descriptor, error) { return s.manager.Get(id) }

// ListServers returns every descriptor in creation order.
func (s *Service) ListServers() []toolservers.Descriptor { return s.manager.List() }

// UpdateServer replaces a descriptor's settings.
func (s *Service) UpdateServer(ctx context.Context, d toolservers.Descriptor) (toolservers.Descriptor, error) {
	return s.manager.Update(ctx, d)
}

// DeleteServer disconnects and removes a descriptor.
func (s *Service) DeleteServer(ctx context.Context, id string) error {
	return s.manager.Delete(ctx, id)
}

// Connect establishes the connection for id. Failures carry a diagnostic in
// a *toolservers.ConnectError.
func (s *Service) Connect(ctx context.Context, id string) error { return s.manager.Connect(ctx, id) }

// ConnectAll connects every registered server.
func (s *Service) ConnectAll(ctx context.Context) error { return s.manager.ConnectAll(ctx) }

// Disconnect closes the connection for id.
func (s *Service) Disconnect(id string) error { return s.manager.Disconnect(id) }

// ListTools returns the tools of a connected server.
func (s *Service) ListTools(id string) ([]ports.ToolSpec, error) { return s.manager.ListTools(id) }

// Status returns the connection snapshot for id.
func (s *Service) Status(id string) (toolservers.Status, error) { return s.manager.Status(id) }

// Statuses returns the connection snapshot of every server.
func (s *Service) Statuses() map[string]toolservers.Status { return s.manager.Statuses() }

// SubmitTurn runs one user turn against the selected backend and the
// connected tools. It never fails; problems are reported in the answer.
func (s *Service) SubmitTurn(ctx context.Context, history []ports.PromptMessage, userText string) harness.FinalAnswer {
	return s.orchestrator.SubmitTurn(ctx, history, userText)
}

// LoadModel loads modelID on the on-device backend, replacing any loaded
// model.
func (s *Service) LoadModel(ctx context.Context, modelID string) error {
	if s.onDevice == nil {
		return ErrOnDeviceDisabled
	}
	defer s.prober.Invalidate(ctx)
	return s.onDevice.Load(ctx, modelID)
}

// UnloadModel releases the on-device model.
func (s *Service) UnloadModel(ctx context.Context) error {
	if s.onDevice == nil {
		return ErrOnDeviceDisabled
	}
	defer s.prober.Invalidate(ctx)
	return s.onDevice.Unload()
}

// ModelStatus returns the on-device load progress.
func (s *Service) ModelStatus() (models.LoadStatus, error) {
	if s.onDevice == nil {
		return models.LoadStatus{}, ErrOnDeviceDisabled
	}
	return s.onDevice.Status(), nil
}

// SubscribeModel streams on-device load transitions until cancel is called.
func (s *Service) SubscribeModel() (<-chan models.LoadEvent, func(), error) {
	if s.onDevice == nil {
		return nil, nil, ErrOnDeviceDisabled
	}
	ch, cancel := s.onDevice.Subscribe()
	return ch, cancel, nil
}

// Close disconnects every tool server, releases the on-device model and
// closes the database when the service opened it.
func (s *Service) Close() error {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	var errs []error
	if s.manager != nil {
		errs = append(errs, s.manager.Close())
	}
	if s.onDevice != nil {
		errs = append(errs, s.onDevice.Close())
	}
	errs = append(errs, s.closeDB())
	return errors.Join(errs...)
}

func (s *Service) closeDB() error {
	if !s.ownsDB || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db, s.ownsDB = nil, false
	return err
}
