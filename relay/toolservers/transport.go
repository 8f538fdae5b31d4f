package toolservers

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportFactory builds the MCP transport for a descriptor.
type TransportFactory interface {
	Transport(ctx context.Context, d Descriptor) (mcpsdk.Transport, error)
}

// TransportFunc adapts a function to TransportFactory.
type TransportFunc func(ctx context.Context, d Descriptor) (mcpsdk.Transport, error)

func (f TransportFunc) Transport(ctx context.Context, d Descriptor) (mcpsdk.Transport, error) {
	return f(ctx, d)
}

// DefaultTransports spawns process servers over stdio and dials stream servers
// over streamable HTTP, or SSE when the endpoint path ends in /sse.
type DefaultTransports struct {
	Runtime *RuntimeResolver
}

func (f DefaultTransports) Transport(ctx context.Context, d Descriptor) (mcpsdk.Transport, error) {
	switch d.Transport {
	case TransportProcess:
		return f.process(d)
	case TransportStream:
		return stream(d.Endpoint)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidDescriptor, d.Transport)
	}
}

func (f DefaultTransports) process(d Descriptor) (mcpsdk.Transport, error) {
	resolver := f.Runtime
	if resolver == nil {
		resolver = NewRuntimeResolver("")
	}
	res, err := resolver.Resolve(d.Command)
	if err != nil {
		return nil, err
	}

	// The process must outlive the connect context, so no CommandContext here.
	// #nosec G204 -- command comes from a user-managed descriptor
	cmd := exec.Command(res.Path, d.Args...)
	cmd.Env = mergeEnv(os.Environ(), d.Env, res.Env)
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func stream(endpoint string) (mcpsdk.Transport, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("%w: bad endpoint: %v", ErrInvalidDescriptor, err)
	}
	if strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sse") {
		return &mcpsdk.SSEClientTransport{Endpoint: u.String()}, nil
	}
	return &mcpsdk.StreamableClientTransport{Endpoint: u.String()}, nil
}

// mergeEnv layers descriptor variables and then runtime overrides on top of base.
// Later entries win.
func mergeEnv(base []string, env map[string]string, overrides []string) []string {
	vars := make(map[string]string, len(base)+len(env)+len(overrides))
	order := make([]string, 0, len(base)+len(env)+len(overrides))
	set := func(k, v string) {
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set(k, env[k])
	}
	for _, kv := range overrides {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+vars[k])
	}
	return out
}
