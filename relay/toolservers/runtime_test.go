package toolservers

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notFound(file string) (string, error) {
	return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
}

func TestRuntimeResolverPrefersPath(t *testing.T) {
	r := &RuntimeResolver{Dir: t.TempDir(), GOOS: "linux", LookPath: func(file string) (string, error) {
		return "/usr/bin/" + file, nil
	}}

	res, err := r.Resolve("npx")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/npx", res.Path)
	assert.False(t, res.Embedded)
	assert.Empty(t, res.Env)
}

func TestRuntimeResolverFallsBackToEmbedded(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "npx"), []byte("#!/bin/sh\n"), 0o755))

	r := &RuntimeResolver{Dir: dir, GOOS: "linux", LookPath: notFound}
	res, err := r.Resolve("npx")
	require.NoError(t, err)
	assert.True(t, res.Embedded)
	assert.Equal(t, filepath.Join(bin, "npx"), res.Path)
	require.Len(t, res.Env, 1)
	assert.True(t, strings.HasPrefix(res.Env[0], "PATH="+bin))
}

func TestRuntimeResolverWindowsLaunchers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "npx.cmd"), nil, 0o755))

	r := &RuntimeResolver{Dir: dir, GOOS: "windows", LookPath: notFound}
	res, err := r.Resolve("npx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "npx.cmd"), res.Path)
}

func TestRuntimeResolverLeavesOtherCommandsAlone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uvx"), nil, 0o755))
	r := &RuntimeResolver{Dir: dir, GOOS: "linux", LookPath: notFound}

	_, err := r.Resolve("uvx")
	assert.True(t, errors.Is(err, exec.ErrNotFound))

	_, err = r.Resolve("/opt/node/bin/npx")
	assert.True(t, errors.Is(err, exec.ErrNotFound), "explicit paths are not substituted")

	_, err = r.Resolve("npx")
	assert.True(t, errors.Is(err, exec.ErrNotFound), "missing embedded runtime keeps the not-found error")
}

func TestDefaultTransports(t *testing.T) {
	f := DefaultTransports{Runtime: &RuntimeResolver{LookPath: func(file string) (string, error) {
		return "/usr/bin/" + file, nil
	}}}
	ctx := context.Background()

	tr, err := f.Transport(ctx, Descriptor{
		Transport: TransportProcess, Command: "uvx", Args: []string{"mcp-server-time"},
		Env: map[string]string{"TZ": "UTC"},
	})
	require.NoError(t, err)
	cmd, ok := tr.(*mcpsdk.CommandTransport)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/uvx", cmd.Command.Path)
	assert.Equal(t, []string{"/usr/bin/uvx", "mcp-server-time"}, cmd.Command.Args)
	assert.Contains(t, cmd.Command.Env, "TZ=UTC")

	tr, err = f.Transport(ctx, Descriptor{Transport: TransportStream, Endpoint: "http://127.0.0.1:8080/mcp"})
	require.NoError(t, err)
	assert.IsType(t, &mcpsdk.StreamableClientTransport{}, tr)

	tr, err = f.Transport(ctx, Descriptor{Transport: TransportStream, Endpoint: "http://127.0.0.1:8080/sse"})
	require.NoError(t, err)
	assert.IsType(t, &mcpsdk.SSEClientTransport{}, tr)

	_, err = DefaultTransports{Runtime: &RuntimeResolver{LookPath: notFound}}.Transport(ctx,
		Descriptor{Transport: TransportProcess, Command: "npx"})
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv(
		[]string{"PATH=/usr/bin", "HOME=/root"},
		map[string]string{"HOME": "/tmp", "A": "1"},
		[]string{"PATH=/rt/bin:/usr/bin"},
	)
	assert.Equal(t, []string{"PATH=/rt/bin:/usr/bin", "HOME=/tmp", "A=1"}, got)
}
