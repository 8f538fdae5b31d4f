package ai

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolrelay/relay/config"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/models"
	"github.com/ZanzyTHEbar/toolrelay/relay/toolservers"
)

// stubProvider answers from a script and records the prompts it was given.
type stubProvider struct {
	id        ports.BackendID
	available bool
	native    bool

	mu      sync.Mutex
	model   string
	replies []ports.Completion
	inputs  []ports.PromptInput
}

func (p *stubProvider) ID() ports.BackendID { return p.id }

func (p *stubProvider) PreferModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

func (p *stubProvider) Probe(ctx context.Context) ports.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := ports.ProbeResult{Backend: p.id, Available: p.available, Model: p.model, NativeTools: p.native, CheckedAt: time.Now()}
	if !p.available {
		r.Diagnostic = string(p.id) + " is offline"
	}
	return r
}

func (p *stubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	if len(p.replies) == 0 {
		return ports.Completion{Text: "done"}, nil
	}
	c := p.replies[0]
	p.replies = p.replies[1:]
	return c, nil
}

// echoServers serves an in-memory MCP server with an "echo" tool for every
// descriptor.
func echoServers(t *testing.T) toolservers.TransportFunc {
	var mu sync.Mutex
	var cancels []context.CancelFunc
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range cancels {
			c()
		}
	})
	return func(ctx context.Context, d toolservers.Descriptor) (mcpsdk.Transport, error) {
		server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: d.Name, Version: "test"}, nil)
		server.AddTool(&mcpsdk.Tool{
			Name:        "echo",
			Description: "Echo the text back",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
			},
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(req.Params.Arguments, &args)
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "echo:" + args.Text}}}, nil
		})

		serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
		sctx, cancel := context.WithCancel(context.Background())
		mu.Lock()
		cancels = append(cancels, cancel)
		mu.Unlock()
		go func() {
			session, err := server.Connect(sctx, serverTransport, nil)
			if err != nil {
				return
			}
			<-sctx.Done()
			_ = session.Close()
		}()
		return clientTransport, nil
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			DescriptorStore: "memory",
			ConnectTimeout:  5 * time.Second,
		},
		Providers: config.ProvidersConfig{
			Preference:   "auto",
			ProbeTimeout: time.Second,
		},
		Harness: config.HarnessConfig{
			CacheCapacity:  8,
			MaxIterations:  10,
			BackendTimeout: 5 * time.Second,
			MaxNewTokens:   256,
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	s, err := NewService(context.Background(), cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func echoDescriptor(name string) toolservers.Descriptor {
	return toolservers.Descriptor{Name: name, Transport: toolservers.TransportProcess, Command: "mcp-" + name}
}

func TestServiceSubmitTurnUsesConnectedTools(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{
		id: ports.BackendOllama, available: true, native: true,
		replies: []ports.Completion{
			{ToolCalls: []ports.ToolCall{{ID: "call_1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)}}},
			{Text: "The server said hi."},
		},
	}
	s := newTestService(t, testConfig(), WithProviders(provider), WithTransportFactory(echoServers(t)))

	d, err := s.CreateServer(ctx, echoDescriptor("echo-server"))
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx, d.ID))

	tools, err := s.ListTools(d.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	ans := s.SubmitTurn(ctx, nil, "say hi through the server")
	require.NoError(t, ans.Err)
	assert.Equal(t, "The server said hi.", ans.Content)
	assert.Equal(t, ports.BackendOllama, ans.Backend)
	require.Len(t, ans.Trace, 1)
	assert.Equal(t, d.ID, ans.Trace[0].ServerID)
	assert.Equal(t, "echo:hi", ans.Trace[0].Result.Output)
	assert.False(t, ans.Trace[0].Result.IsError)

	require.Len(t, provider.inputs, 2)
	require.Len(t, provider.inputs[0].Tools, 1)
	assert.Equal(t, "echo", provider.inputs[0].Tools[0].Name)
}

func TestServiceCatalogFollowsDisconnect(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{id: ports.BackendAnthropic, available: true, native: true}
	s := newTestService(t, testConfig(), WithProviders(provider), WithTransportFactory(echoServers(t)))

	d, err := s.CreateServer(ctx, echoDescriptor("echo-server"))
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx, d.ID))
	require.NoError(t, s.Disconnect(d.ID))

	st, err := s.Status(d.ID)
	require.NoError(t, err)
	assert.Equal(t, toolservers.StateDisconnected, st.State)

	ans := s.SubmitTurn(ctx, nil, "hello")
	require.NoError(t, ans.Err)
	require.Len(t, provider.inputs, 1)
	assert.Empty(t, provider.inputs[0].Tools)
}

func TestServiceNoProviderAvailable(t *testing.T) {
	s := newTestService(t, testConfig(),
		WithProviders(&stubProvider{id: ports.BackendOllama}, &stubProvider{id: ports.BackendAnthropic}))

	ans := s.SubmitTurn(context.Background(), nil, "hello")
	assert.ErrorIs(t, ans.Err, ports.ErrNoProviderAvailable)
	assert.Contains(t, ans.Content, "ollama is offline")
	assert.Contains(t, ans.Content, "anthropic is offline")
}

func TestServicePreference(t *testing.T) {
	ollama := &stubProvider{id: ports.BackendOllama, available: true}
	cloud := &stubProvider{id: ports.BackendAnthropic, available: true}
	s := newTestService(t, testConfig(), WithProviders(ollama, cloud))
	assert.Equal(t, ports.BackendAuto, s.Preference())

	ans := s.SubmitTurn(context.Background(), nil, "hello")
	assert.Equal(t, ports.BackendOllama, ans.Backend)

	s.SetPreference(ports.BackendAnthropic)
	ans = s.SubmitTurn(context.Background(), nil, "hello")
	assert.Equal(t, ports.BackendAnthropic, ans.Backend)
}

func TestServiceProbeAllAppliesHints(t *testing.T) {
	ollama := &stubProvider{id: ports.BackendOllama, available: true, model: "llama3.2"}
	s := newTestService(t, testConfig(), WithProviders(ollama))

	probes := s.ProbeAll(context.Background(), nil)
	assert.Equal(t, "llama3.2", probes[ports.BackendOllama].Model)

	probes = s.ProbeAll(context.Background(), ProbeHints{ports.BackendOllama: "qwen2.5", ports.BackendAnthropic: "ignored"})
	assert.Equal(t, "qwen2.5", probes[ports.BackendOllama].Model)
	assert.Len(t, probes, 1)
}

func TestServiceBuildsConfiguredProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.OnDevice = config.OnDeviceConfig{Enabled: true, ModelsDir: t.TempDir()}
	cfg.Providers.Anthropic = config.AnthropicConfig{Enabled: true}
	s := newTestService(t, cfg)

	probes := s.ProbeAll(context.Background(), nil)
	require.Len(t, probes, 2)
	assert.Contains(t, probes, ports.BackendOnDevice)
	assert.False(t, probes[ports.BackendAnthropic].Available)
	assert.Contains(t, probes[ports.BackendAnthropic].Diagnostic, "ANTHROPIC_API_KEY")

	st, err := s.ModelStatus()
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, st.Phase)

	events, cancel, err := s.SubscribeModel()
	require.NoError(t, err)
	first := <-events
	assert.Equal(t, models.PhaseIdle, first.Status.Phase)
	cancel()
	_, open := <-events
	assert.False(t, open)

	err = s.LoadModel(context.Background(), "missing-model")
	require.Error(t, err)
	st, _ = s.ModelStatus()
	assert.Equal(t, models.PhaseFailed, st.Phase)
}

func TestServiceModelLifecycleWhenDisabled(t *testing.T) {
	s := newTestService(t, testConfig(), WithProviders(&stubProvider{id: ports.BackendOllama, available: true}))

	assert.ErrorIs(t, s.LoadModel(context.Background(), "qwen"), ErrOnDeviceDisabled)
	assert.ErrorIs(t, s.UnloadModel(context.Background()), ports.ErrBackendUnavailable)
	_, err := s.ModelStatus()
	assert.ErrorIs(t, err, ErrOnDeviceDisabled)
	_, _, err = s.SubscribeModel()
	assert.ErrorIs(t, err, ErrOnDeviceDisabled)
}

func TestServiceDescriptorsPersistInDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Relay.DescriptorStore = "sql"
	cfg.Relay.Database.DSN = filepath.Join(t.TempDir(), "relay.db")
	cfg.Harness.TranscriptEnabled = true
	provider := &stubProvider{id: ports.BackendOllama, available: true}

	s, err := NewService(ctx, cfg, zerolog.Nop(), WithProviders(provider))
	require.NoError(t, err)

	created, err := s.CreateServer(ctx, echoDescriptor("files"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	created.Args = []string{"--root", "/tmp"}
	_, err = s.UpdateServer(ctx, created)
	require.NoError(t, err)

	ans := s.SubmitTurn(ctx, nil, "hello")
	require.NoError(t, ans.Err)
	require.NoError(t, s.Close())

	s = newTestService(t, cfg, WithProviders(provider))
	servers := s.ListServers()
	require.Len(t, servers, 1)
	assert.Equal(t, created.ID, servers[0].ID)
	assert.Equal(t, []string{"--root", "/tmp"}, servers[0].Args)

	got, err := s.GetServer(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "files", got.Name)

	require.NoError(t, s.DeleteServer(ctx, created.ID))
	assert.Empty(t, s.ListServers())
	_, err = s.GetServer(created.ID)
	assert.ErrorIs(t, err, toolservers.ErrUnknownDescriptor)
}

func TestServiceFileStoreReloadsOnChange(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Relay.DescriptorStore = "file"
	cfg.Relay.DescriptorFile = filepath.Join(t.TempDir(), "servers.yaml")
	cfg.Relay.WatchDescriptor = true
	s := newTestService(t, cfg, WithProviders(&stubProvider{id: ports.BackendOllama, available: true}))
	assert.Empty(t, s.ListServers())

	// Another process edits the same file.
	other := toolservers.NewFileDescriptorStore(cfg.Relay.DescriptorFile, zerolog.Nop())
	require.NoError(t, other.Put(ctx, toolservers.Descriptor{
		ID: "ext-1", Name: "external", Transport: toolservers.TransportProcess, Command: "mcp-external",
	}))

	require.Eventually(t, func() bool {
		return len(s.ListServers()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ext-1", s.ListServers()[0].ID)
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown preference", func(c *config.Config) { c.Providers.Preference = "gpu-farm" }},
		{"unknown descriptor store", func(c *config.Config) { c.Relay.DescriptorStore = "etcd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := NewService(context.Background(), cfg, zerolog.Nop(), WithProviders(&stubProvider{id: ports.BackendOllama}))
			assert.Error(t, err)
		})
	}

	_, err := NewService(context.Background(), nil, zerolog.Nop())
	assert.Error(t, err)
}
