package toolservers

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolrelay/relay/diagnostics"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// fakeServers hands out in-memory transports backed by real MCP servers and
// counts how often a transport was requested.
type fakeServers struct {
	t      *testing.T
	calls  atomic.Int32
	mu     sync.Mutex
	tools  map[string][]string // descriptor name -> tool names
	cancel []context.CancelFunc
}

func newFakeServers(t *testing.T) *fakeServers {
	f := &fakeServers{t: t, tools: map[string][]string{}}
	t.Cleanup(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.cancel {
			c()
		}
	})
	return f
}

func (f *fakeServers) serve(name string, tools ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[name] = tools
}

func (f *fakeServers) Transport(ctx context.Context, d Descriptor) (mcpsdk.Transport, error) {
	f.calls.Add(1)

	f.mu.Lock()
	tools, ok := f.tools[d.Name]
	f.mu.Unlock()
	if !ok {
		return nil, &exec.Error{Name: d.Command, Err: exec.ErrNotFound}
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: d.Name, Version: "test"}, nil)
	for _, name := range tools {
		registerTool(server, name)
	}

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	sctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.cancel = append(f.cancel, cancel)
	f.mu.Unlock()

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

func registerTool(server *mcpsdk.Server, name string) {
	server.AddTool(&mcpsdk.Tool{
		Name:        name,
		Description: "test tool " + name,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var payload map[string]string
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &payload); err != nil {
				return nil, err
			}
		}
		if payload["text"] == "fail" {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "refused"}},
			}, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: name + ":" + payload["text"]}},
		}, nil
	})
}

func newTestManager(t *testing.T, f *fakeServers, descs ...Descriptor) *Manager {
	t.Helper()
	m := NewManager(NewMemoryDescriptorStore(descs...),
		WithTransportFactory(f),
		WithConnectTimeout(5*time.Second),
		WithPlatform(diagnostics.PlatformLinux),
	)
	require.NoError(t, m.Load(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func processDescriptor(id, name string) Descriptor {
	return Descriptor{ID: id, Name: name, Transport: TransportProcess, Command: "mcp-" + name}
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFakeServers(t)
	f.serve("files", "list_files")
	m := newTestManager(t, f, processDescriptor("s1", "files"))
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "s1"))
	require.NoError(t, m.Connect(ctx, "s1"))

	assert.Equal(t, int32(1), f.calls.Load(), "second connect must reuse the live connection")

	st, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st.State)
	require.Len(t, st.Tools, 1)
	assert.Equal(t, "list_files", st.Tools[0].Name)
	assert.JSONEq(t, `{"type":"object","properties":{"text":{"type":"string"}}}`, string(st.Tools[0].JSONSchema))
}

func TestInvokeOnDisconnectedNeverSpawns(t *testing.T) {
	f := newFakeServers(t)
	f.serve("files", "list_files")
	m := newTestManager(t, f, processDescriptor("s1", "files"))

	for range 3 {
		_, err := m.Invoke(context.Background(), "s1", "list_files", json.RawMessage(`{}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ports.ErrNotConnected))

		var ie *InvokeError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "s1", ie.ServerID)
		assert.Equal(t, "list_files", ie.Tool)
		assert.Contains(t, ie.Diagnostic, "Connect the tool server")
		assert.Equal(t, ie.Diagnostic, err.Error())
	}
	assert.Equal(t, int32(0), f.calls.Load())

	st, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, st.State)
}

func TestListToolsRequiresConnection(t *testing.T) {
	f := newFakeServers(t)
	f.serve("files", "list_files", "read_file")
	m := newTestManager(t, f, processDescriptor("s1", "files"))

	_, err := m.ListTools("s1")
	assert.ErrorIs(t, err, ports.ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "s1"))
	tools, err := m.ListTools("s1")
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestInvoke(t *testing.T) {
	f := newFakeServers(t)
	f.serve("echo", "echo")
	m := newTestManager(t, f, processDescriptor("s1", "echo"))
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "s1"))

	res, err := m.Invoke(ctx, "s1", "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "echo:hi", res.Output)

	res, err = m.Invoke(ctx, "s1", "echo", json.RawMessage(`{"text":"fail"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "refused", res.Output)

	res, err = m.Invoke(ctx, "s1", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo:", res.Output)
}

func TestDisconnect(t *testing.T) {
	f := newFakeServers(t)
	f.serve("echo", "echo")
	m := newTestManager(t, f, processDescriptor("s1", "echo"))
	ctx := context.Background()

	require.NoError(t, m.Disconnect("s1"), "disconnecting a disconnected server is a no-op")

	require.NoError(t, m.Connect(ctx, "s1"))
	require.NoError(t, m.Disconnect("s1"))
	require.NoError(t, m.Disconnect("s1"))

	st, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, st.State)
	assert.Empty(t, st.Tools)

	_, err = m.Invoke(ctx, "s1", "echo", nil)
	assert.ErrorIs(t, err, ports.ErrNotConnected)

	require.NoError(t, m.Connect(ctx, "s1"))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCatalogFollowsConnections(t *testing.T) {
	f := newFakeServers(t)
	f.serve("files", "list_files")
	f.serve("web", "fetch_url")
	m := newTestManager(t, f, processDescriptor("s1", "files"), processDescriptor("s2", "web"))
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "s1"))
	require.NoError(t, m.Connect(ctx, "s2"))

	catalog := m.Catalog()
	require.Equal(t, 2, catalog.Len())
	route, ok := catalog.Resolve("fetch_url")
	require.True(t, ok)
	assert.Equal(t, ports.ToolRoute{ServerID: "s2", Tool: "fetch_url"}, route)

	require.NoError(t, m.Disconnect("s2"))

	catalog = m.Catalog()
	require.Equal(t, 1, catalog.Len())
	assert.Equal(t, "list_files", catalog.Specs()[0].Name)
	_, ok = catalog.Resolve("fetch_url")
	assert.False(t, ok)
}

func TestCatalogRenamesCollisions(t *testing.T) {
	f := newFakeServers(t)
	f.serve("Files A", "read")
	f.serve("files-b", "read")
	m := newTestManager(t, f, processDescriptor("s1", "Files A"), processDescriptor("s2", "files-b"))
	ctx := context.Background()
	require.NoError(t, m.ConnectAll(ctx))

	catalog := m.Catalog()
	var names []string
	for _, s := range catalog.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"read", "files-b__read"}, names)

	route, ok := catalog.Resolve("files-b__read")
	require.True(t, ok)
	assert.Equal(t, ports.ToolRoute{ServerID: "s2", Tool: "read"}, route)

	assert.Len(t, catalog.WithPrefix("files-b__"), 1)
}

func TestCatalogNeverDropsATool(t *testing.T) {
	read := ports.ToolSpec{Name: "read"}
	catalog := newCatalog([]catalogSource{
		{id: "s1", name: "x", tools: []ports.ToolSpec{read}},
		{id: "s2", name: "s3", tools: []ports.ToolSpec{read}},
		{id: "s3", name: "s3", tools: []ports.ToolSpec{read}},
		{id: "s4", name: "s4", tools: []ports.ToolSpec{read, read}},
	})

	var names []string
	for _, s := range catalog.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"read", "s3__read", "s3__read_2", "s4__read", "s4__read_2"}, names)
	require.Equal(t, 5, catalog.Len())

	for i, e := range catalog.Entries() {
		route, ok := catalog.Resolve(e.ExposedName)
		require.True(t, ok, e.ExposedName)
		assert.Equal(t, e.ServerID, route.ServerID, "entry %d", i)
	}
	route, _ := catalog.Resolve("s3__read_2")
	assert.Equal(t, ports.ToolRoute{ServerID: "s3", Tool: "read"}, route)
}

func TestConnectFailureIsDiagnosed(t *testing.T) {
	f := newFakeServers(t)
	d := Descriptor{ID: "s1", Name: "missing", Transport: TransportProcess, Command: "npx", Args: []string{"-y", "@x/server"}}
	m := newTestManager(t, f, d)

	err := m.Connect(context.Background(), "s1")
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Diagnostic, "sudo apt install nodejs npm")
	assert.Contains(t, ce.Diagnostic, "bundled runtime")

	st, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, ce.Diagnostic, st.Diagnostic)

	require.NoError(t, m.Disconnect("s1"))
	st, _ = m.Status("s1")
	assert.Equal(t, StateDisconnected, st.State)
}

type stalledTransport struct{}

func (stalledTransport) Connect(ctx context.Context) (mcpsdk.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectTimeout(t *testing.T) {
	m := NewManager(NewMemoryDescriptorStore(processDescriptor("s1", "slow")),
		WithTransportFactory(TransportFunc(func(ctx context.Context, d Descriptor) (mcpsdk.Transport, error) {
			return stalledTransport{}, nil
		})),
		WithConnectTimeout(50*time.Millisecond),
	)
	require.NoError(t, m.Load(context.Background()))

	start := time.Now()
	err := m.Connect(context.Background(), "s1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	st, _ := m.Status("s1")
	assert.Equal(t, StateError, st.State)
}

func TestDescriptorCRUD(t *testing.T) {
	f := newFakeServers(t)
	f.serve("files", "list_files")
	store := NewMemoryDescriptorStore()
	m := NewManager(store, WithTransportFactory(f))
	ctx := context.Background()

	_, err := m.Create(ctx, Descriptor{Name: "bad", Transport: TransportStream, Endpoint: "ftp://x"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	d, err := m.Create(ctx, Descriptor{Name: "files", Transport: TransportProcess, Command: "mcp-files"})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())

	persisted, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	require.NoError(t, m.Connect(ctx, d.ID))

	d.Args = []string{"--verbose"}
	updated, err := m.Update(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, d.CreatedAt, updated.CreatedAt)
	st, _ := m.Status(d.ID)
	assert.Equal(t, StateDisconnected, st.State, "changed transport settings drop the connection")

	require.NoError(t, m.Connect(ctx, d.ID))
	updated.Name = "files"
	_, err = m.Update(ctx, updated)
	require.NoError(t, err)
	st, _ = m.Status(d.ID)
	assert.Equal(t, StateConnected, st.State)

	require.NoError(t, m.Delete(ctx, d.ID))
	_, err = m.Get(d.ID)
	assert.ErrorIs(t, err, ErrUnknownDescriptor)
	assert.Empty(t, m.List())
	persisted, _ = store.List(ctx)
	assert.Empty(t, persisted)
}

func TestReload(t *testing.T) {
	f := newFakeServers(t)
	f.serve("files", "list_files")
	f.serve("web", "fetch_url")
	m := newTestManager(t, f, processDescriptor("s1", "files"), processDescriptor("s2", "web"))
	ctx := context.Background()
	require.NoError(t, m.ConnectAll(ctx))

	changed := processDescriptor("s2", "web")
	changed.Args = []string{"--port", "0"}
	m.Reload([]Descriptor{changed, processDescriptor("s3", "files")})

	ids := []string{}
	for _, d := range m.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"s2", "s3"}, ids)

	st, err := m.Status("s2")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, st.State)
	_, err = m.Status("s1")
	assert.ErrorIs(t, err, ErrUnknownDescriptor)
}

func TestStateListener(t *testing.T) {
	f := newFakeServers(t)
	f.serve("files", "list_files")

	var (
		mu     sync.Mutex
		states []State
	)
	m := NewManager(NewMemoryDescriptorStore(processDescriptor("s1", "files")),
		WithTransportFactory(f),
		WithStateListener(func(id string, st Status) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, st.State)
		}),
	)
	require.NoError(t, m.Load(context.Background()))
	require.NoError(t, m.Connect(context.Background(), "s1"))
	require.NoError(t, m.Disconnect("s1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}
