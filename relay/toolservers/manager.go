package toolservers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ZanzyTHEbar/toolrelay/relay/diagnostics"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// State is the connection state of one descriptor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// DefaultConnectTimeout bounds the handshake and initial tool listing.
const DefaultConnectTimeout = 30 * time.Second

// Status is a snapshot of a descriptor's connection.
type Status struct {
	State       State            `json:"state"`
	Tools       []ports.ToolSpec `json:"tools,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	Diagnostic  string           `json:"diagnostic,omitempty"`
	ConnectedAt time.Time        `json:"connected_at,omitzero"`
}

// ConnectError is returned by Connect. Diagnostic carries the user-facing
// remediation text.
type ConnectError struct {
	ServerID   string
	Diagnostic string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect tool server %s: %v", e.ServerID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// InvokeError is returned by Invoke when the server has no live session. Its
// message is the classified diagnostic.
type InvokeError struct {
	ServerID   string
	Tool       string
	Diagnostic string
	Err        error
}

func (e *InvokeError) Error() string {
	if e.Diagnostic != "" {
		return e.Diagnostic
	}
	return e.Err.Error()
}

func (e *InvokeError) Unwrap() error { return e.Err }

type entry struct {
	// opMu serializes connect, disconnect and invoke.
	opMu sync.Mutex

	mu      sync.RWMutex
	desc    Descriptor
	status  Status
	session *mcpsdk.ClientSession
	gen     uint64
}

func (e *entry) snapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.status
	st.Tools = slices.Clone(st.Tools)
	return st
}

func (e *entry) descriptor() Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.desc.Clone()
}

// Manager owns the tool server descriptors and their live connections.
type Manager struct {
	store          DescriptorStore
	transports     TransportFactory
	logger         zerolog.Logger
	connectTimeout time.Duration
	platform       diagnostics.Platform
	impl           *mcpsdk.Implementation
	onState        func(id string, st Status)
	now            func() time.Time

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "toolservers").Logger() }
}

func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.transports = f }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithPlatform overrides the platform used for diagnostics.
func WithPlatform(p diagnostics.Platform) Option {
	return func(m *Manager) { m.platform = p }
}

// WithClientInfo sets the implementation name reported in the handshake.
func WithClientInfo(name, version string) Option {
	return func(m *Manager) { m.impl = &mcpsdk.Implementation{Name: name, Version: version} }
}

// WithStateListener registers a callback invoked after every state transition.
// It must not call back into the Manager synchronously.
func WithStateListener(fn func(id string, st Status)) Option {
	return func(m *Manager) { m.onState = fn }
}

// NewManager creates a manager over store. Call Load to read persisted
// descriptors.
func NewManager(store DescriptorStore, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		transports:     DefaultTransports{},
		logger:         zerolog.Nop(),
		connectTimeout: DefaultConnectTimeout,
		platform:       diagnostics.CurrentPlatform(),
		impl:           &mcpsdk.Implementation{Name: "toolrelay", Version: "dev"},
		now:            time.Now,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads all descriptors from the store. Existing entries are kept.
func (m *Manager) Load(ctx context.Context) error {
	descs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tool servers: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range descs {
		if _, ok := m.entries[d.ID]; ok {
			continue
		}
		m.addLocked(d)
	}
	m.logger.Debug().Int("servers", len(descs)).Msg("tool servers loaded")
	return nil
}

func (m *Manager) addLocked(d Descriptor) *entry {
	e := &entry{desc: d.Clone(), status: Status{State: StateDisconnected}}
	m.entries[d.ID] = e
	m.order = append(m.order, d.ID)
	return e
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDescriptor, id)
	}
	return e, nil
}

// Create validates and persists a new descriptor. An empty ID is assigned.
func (m *Manager) Create(ctx context.Context, d Descriptor) (Descriptor, error) {
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[d.ID]; exists {
		return Descriptor{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidDescriptor, d.ID)
	}

	now := m.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if err := m.store.Put(ctx, d); err != nil {
		return Descriptor{}, err
	}
	m.addLocked(d)
	m.logger.Info().Str("server_id", d.ID).Str("name", d.Name).Str("transport", string(d.Transport)).Msg("tool server created")
	return d.Clone(), nil
}

// Get returns the descriptor with id.
func (m *Manager) Get(id string) (Descriptor, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Descriptor{}, err
	}
	return e.descriptor(), nil
}

// List returns all descriptors in creation order.
func (m *Manager) List() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id].descriptor())
	}
	return out
}

// Update replaces the descriptor's settings. A live connection whose transport
// settings changed is disconnected.
func (m *Manager) Update(ctx context.Context, d Descriptor) (Descriptor, error) {
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	e, err := m.lookup(d.ID)
	if err != nil {
		return Descriptor{}, err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	old := e.descriptor()
	d.CreatedAt = old.CreatedAt
	d.UpdatedAt = m.now().UTC()
	if err := m.store.Put(ctx, d); err != nil {
		return Descriptor{}, err
	}
	if !old.sameTarget(d) {
		m.disconnectLocked(e)
	}
	e.mu.Lock()
	e.desc = d.Clone()
	e.mu.Unlock()
	return d.Clone(), nil
}

// Delete disconnects and removes the descriptor.
func (m *Manager) Delete(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	m.disconnectLocked(e)
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == id })
	m.mu.Unlock()
	m.logger.Info().Str("server_id", id).Msg("tool server deleted")
	return nil
}

// Reload reconciles the registry with descs, as read from an externally edited
// store: new descriptors are added, changed ones are disconnected and replaced,
// missing ones are disconnected and dropped.
func (m *Manager) Reload(descs []Descriptor) {
	incoming := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		if d.Validate() != nil {
			m.logger.Warn().Str("server_id", d.ID).Msg("skipping invalid tool server descriptor")
			continue
		}
		incoming[d.ID] = d
	}

	m.mu.Lock()
	var removed []*entry
	for _, id := range m.order {
		if _, keep := incoming[id]; !keep {
			removed = append(removed, m.entries[id])
			delete(m.entries, id)
		}
	}
	m.order = slices.DeleteFunc(m.order, func(id string) bool { _, ok := m.entries[id]; return !ok })

	var changed []*entry
	for _, d := range descs {
		if _, ok := incoming[d.ID]; !ok {
			continue
		}
		if e, ok := m.entries[d.ID]; ok {
			if !e.descriptor().sameTarget(d) {
				changed = append(changed, e)
			}
			e.mu.Lock()
			e.desc = d.Clone()
			e.mu.Unlock()
			continue
		}
		m.addLocked(d)
	}
	m.mu.Unlock()

	for _, e := range append(removed, changed...) {
		e.opMu.Lock()
		m.disconnectLocked(e)
		e.opMu.Unlock()
	}
	m.logger.Info().
		Int("servers", len(incoming)).
		Int("removed", len(removed)).
		Int("changed", len(changed)).
		Msg("tool servers reloaded")
}

// Status returns the connection snapshot for id.
func (m *Manager) Status(id string) (Status, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return e.snapshot(), nil
}

// Statuses returns the connection snapshot of every descriptor.
func (m *Manager) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.entries))
	for id, e := range m.entries {
		out[id] = e.snapshot()
	}
	return out
}

// Connect establishes the connection for id, performs the handshake and caches
// the tool list. It is a no-op when already connected. Failures move the
// descriptor to the error state with a diagnostic; there is no retry.
func (m *Manager) Connect(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.snapshot().State == StateConnected {
		return nil
	}

	d := e.descriptor()
	logger := m.logger.With().Str("server_id", d.ID).Str("name", d.Name).Logger()
	m.setStatus(e, Status{State: StateConnecting})
	logger.Debug().Str("transport", string(d.Transport)).Msg("connecting tool server")

	transport, err := m.transports.Transport(ctx, d)
	if err != nil {
		return m.fail(e, d, logger, err)
	}

	session, tools, cancel, err := m.handshake(ctx, transport)
	if err != nil {
		return m.fail(e, d, logger, err)
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.session = session
	e.status = Status{State: StateConnected, Tools: tools, ConnectedAt: m.now().UTC()}
	e.mu.Unlock()
	m.notify(e)

	go m.watch(e, gen, session, cancel, logger)

	logger.Info().Int("tools", len(tools)).Msg("tool server connected")
	return nil
}

type handshakeResult struct {
	session *mcpsdk.ClientSession
	tools   []ports.ToolSpec
	err     error
}

// handshake connects and lists tools, bounded by the connect timeout. The
// session context is detached from ctx so the connection outlives the call; the
// returned cancel releases it once the session ends.
func (m *Manager) handshake(ctx context.Context, transport mcpsdk.Transport) (*mcpsdk.ClientSession, []ports.ToolSpec, context.CancelFunc, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	client := mcpsdk.NewClient(m.impl, nil)

	done := make(chan handshakeResult, 1)
	go func() {
		session, err := client.Connect(sctx, transport, nil)
		if err != nil {
			done <- handshakeResult{err: err}
			return
		}
		tools, err := listTools(sctx, session)
		if err != nil {
			_ = session.Close()
			done <- handshakeResult{err: fmt.Errorf("failed to list tools: %w", err)}
			return
		}
		done <- handshakeResult{session: session, tools: tools}
	}()

	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()

	abandon := func(err error) (*mcpsdk.ClientSession, []ports.ToolSpec, context.CancelFunc, error) {
		cancel()
		go func() {
			if r := <-done; r.session != nil {
				_ = r.session.Close()
			}
		}()
		return nil, nil, nil, err
	}

	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, nil, nil, r.err
		}
		return r.session, r.tools, cancel, nil
	case <-timer.C:
		return abandon(fmt.Errorf("handshake did not complete within %s", m.connectTimeout))
	case <-ctx.Done():
		return abandon(ctx.Err())
	}
}

func listTools(ctx context.Context, session *mcpsdk.ClientSession) ([]ports.ToolSpec, error) {
	var out []ports.ToolSpec
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		if tool == nil {
			continue
		}
		schema := json.RawMessage(`{"type":"object"}`)
		if tool.InputSchema != nil {
			raw, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: bad input schema: %w", tool.Name, err)
			}
			schema = raw
		}
		out = append(out, ports.ToolSpec{Name: tool.Name, Description: tool.Description, JSONSchema: schema})
	}
	return out, nil
}

// watch resets the entry when the session ends without a Disconnect.
func (m *Manager) watch(e *entry, gen uint64, session *mcpsdk.ClientSession, cancel context.CancelFunc, logger zerolog.Logger) {
	err := session.Wait()
	cancel()

	e.mu.Lock()
	if e.gen != gen || e.session != session {
		e.mu.Unlock()
		return
	}
	e.session = nil
	e.status = Status{State: StateDisconnected}
	if err != nil && !errors.Is(err, context.Canceled) {
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()
	m.notify(e)

	logger.Warn().Err(err).Msg("tool server connection closed")
}

func (m *Manager) fail(e *entry, d Descriptor, logger zerolog.Logger, err error) error {
	diag := diagnostics.Classify(d.DiagnosticTarget(), err, m.platform)
	m.setStatus(e, Status{State: StateError, LastError: err.Error(), Diagnostic: diag})
	logger.Error().Err(err).Msg("tool server connect failed")
	return &ConnectError{ServerID: d.ID, Diagnostic: diag, Err: err}
}

func (m *Manager) setStatus(e *entry, st Status) {
	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
	m.notify(e)
}

func (m *Manager) notify(e *entry) {
	if m.onState == nil {
		return
	}
	e.mu.RLock()
	id := e.desc.ID
	e.mu.RUnlock()
	m.onState(id, e.snapshot())
}

// ConnectAll connects every descriptor concurrently and joins the failures.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var (
		wg   conc.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, d := range m.List() {
		wg.Go(func() {
			if err := m.Connect(ctx, d.ID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Disconnect closes the connection for id. It is a no-op when not connected.
func (m *Manager) Disconnect(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	m.disconnectLocked(e)
	return nil
}

// disconnectLocked requires e.opMu.
func (m *Manager) disconnectLocked(e *entry) {
	e.mu.Lock()
	session := e.session
	wasError := e.status.State == StateError
	e.session = nil
	e.gen++
	if session == nil && !wasError {
		e.mu.Unlock()
		return
	}
	e.status = Status{State: StateDisconnected}
	id := e.desc.ID
	e.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			m.logger.Debug().Err(err).Str("server_id", id).Msg("error closing tool server session")
		}
		m.logger.Info().Str("server_id", id).Msg("tool server disconnected")
	}
	m.notify(e)
}

// ListTools returns the cached capability list of a connected server.
func (m *Manager) ListTools(id string) ([]ports.ToolSpec, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	st := e.snapshot()
	if st.State != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", ports.ErrNotConnected, id, st.State)
	}
	return st.Tools, nil
}

// Invoke calls tool on server id. It never connects.
func (m *Manager) Invoke(ctx context.Context, id, tool string, args json.RawMessage) (ports.ToolResult, error) {
	e, err := m.lookup(id)
	if err != nil {
		return ports.ToolResult{}, fmt.Errorf("%w: %v", ports.ErrNotConnected, err)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.RLock()
	session := e.session
	desc := e.desc
	e.mu.RUnlock()
	if session == nil {
		err := fmt.Errorf("%w: %s", ports.ErrNotConnected, id)
		return ports.ToolResult{}, &InvokeError{
			ServerID:   id,
			Tool:       tool,
			Diagnostic: diagnostics.Classify(desc.DiagnosticTarget(), err, m.platform),
			Err:        err,
		}
	}

	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return ports.ToolResult{}, fmt.Errorf("%w: %s on %s: %v", ports.ErrToolInvocationFailed, tool, id, err)
	}
	return toToolResult(tool, res), nil
}

// toToolResult flattens MCP content into text.
func toToolResult(name string, res *mcpsdk.CallToolResult) ports.ToolResult {
	out := ports.ToolResult{Name: name}
	if res == nil {
		return out
	}
	out.IsError = res.IsError

	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		case *mcpsdk.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *mcpsdk.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *mcpsdk.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource %s]", v.URI))
		case *mcpsdk.EmbeddedResource:
			if v.Resource != nil && v.Resource.Text != "" {
				parts = append(parts, v.Resource.Text)
			} else if v.Resource != nil {
				parts = append(parts, fmt.Sprintf("[resource %s]", v.Resource.URI))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	out.Output = strings.Join(parts, "\n")
	return out
}

// Catalog snapshots the tools of all connected servers in descriptor order.
func (m *Manager) Catalog() *Catalog {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.entries[id])
	}
	m.mu.RUnlock()

	var sources []catalogSource
	for _, e := range entries {
		st := e.snapshot()
		if st.State != StateConnected {
			continue
		}
		d := e.descriptor()
		sources = append(sources, catalogSource{id: d.ID, name: d.Name, tools: st.Tools})
	}
	return newCatalog(sources)
}

// ToolCatalog is Catalog behind the catalog port.
func (m *Manager) ToolCatalog() ports.ToolCatalog { return m.Catalog() }

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.opMu.Lock()
		m.disconnectLocked(e)
		e.opMu.Unlock()
	}
	return nil
}

var _ ports.ToolInvoker = (*Manager)(nil)
