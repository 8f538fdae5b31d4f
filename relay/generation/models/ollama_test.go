package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

func newOllamaTest(t *testing.T, h http.Handler, cfg OllamaConfig) *OllamaProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.Endpoint = srv.URL
	return NewOllamaProvider(cfg, zerolog.Nop())
}

func tagsHandler(names ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tags ollamaTagsResponse
		for _, n := range names {
			tags.Models = append(tags.Models, ollamaModel{Name: n, Model: n})
		}
		_ = json.NewEncoder(w).Encode(tags)
	}
}

func TestOllamaProbe(t *testing.T) {
	tests := []struct {
		name      string
		installed []string
		preferred string
		wantModel string
		available bool
	}{
		{"first installed", []string{"llama3.2:latest", "qwen3:4b"}, "", "llama3.2:latest", true},
		{"preferred installed", []string{"llama3.2:latest", "qwen3:4b"}, "qwen3:4b", "qwen3:4b", true},
		{"preferred matches latest tag", []string{"qwen3:4b", "llama3.2:latest"}, "llama3.2", "llama3.2:latest", true},
		{"preferred missing", []string{"qwen3:4b"}, "mistral", "qwen3:4b", true},
		{"nothing installed", nil, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.Handle("GET /api/tags", tagsHandler(tt.installed...))
			p := newOllamaTest(t, mux, OllamaConfig{Model: tt.preferred})

			res := p.Probe(context.Background())
			assert.Equal(t, ports.BackendOllama, res.Backend)
			assert.Equal(t, tt.available, res.Available)
			assert.Equal(t, tt.wantModel, res.Model)
			if !tt.available {
				assert.Contains(t, res.Diagnostic, "ollama pull")
			}
		})
	}
}

func TestOllamaProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOllamaProvider(OllamaConfig{Endpoint: url, ProbeTimeout: time.Second}, zerolog.Nop())
	res := p.Probe(context.Background())
	assert.False(t, res.Available)
	assert.Contains(t, res.Diagnostic, "cannot reach ollama")
}

func TestOllamaCompleteStreamsToolCalls(t *testing.T) {
	var got ollamaChatRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintln(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":"Let me "},"done":false}`)
		fmt.Fprintln(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":"check.","tool_calls":[{"function":{"name":"read_file","arguments":{"path":"/tmp/a"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":5}`)
	})
	p := newOllamaTest(t, mux, OllamaConfig{Model: "qwen3:4b"})

	in := ports.PromptInput{
		System: "be brief",
		Messages: []ports.PromptMessage{
			{Role: "user", Content: "read /tmp/a"},
			{Role: "assistant", ToolCalls: []ports.ToolCall{{ID: "call_1", Name: "list", Args: nil}}},
			{Role: "tool", Content: "a", ToolCallID: "call_1", ToolName: "list"},
		},
		Tools: []ports.ToolSpec{{Name: "read_file", Description: "read", JSONSchema: json.RawMessage(`{"type":"object"}`)}},
	}
	c, err := p.Complete(context.Background(), in, ports.Options{Temperature: 0.2})
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", c.Text)
	require.Len(t, c.ToolCalls, 1)
	assert.Equal(t, "read_file", c.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"/tmp/a"}`, string(c.ToolCalls[0].Args))
	assert.Empty(t, c.ToolCalls[0].ID)
	require.NotNil(t, c.Usage)
	assert.Equal(t, 17, c.Usage.TotalTokens)

	assert.True(t, got.Stream)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.JSONEq(t, `{}`, string(got.Messages[2].ToolCalls[0].Function.Arguments))
	assert.Equal(t, "list", got.Messages[3].ToolName)
}

func TestOllamaCompleteErrors(t *testing.T) {
	tools := []ports.ToolSpec{{Name: "t"}}
	tests := []struct {
		name   string
		status int
		body   string
		tools  []ports.ToolSpec
		check  func(t *testing.T, err error)
	}{
		{
			name: "tools unsupported", status: http.StatusBadRequest,
			body: `{"error":"registry.ollama.ai/library/gemma2:latest does not support tools"}`, tools: tools,
			check: func(t *testing.T, err error) { assert.Equal(t, ports.ErrToolsUnsupported, err) },
		},
		{
			name: "bad request without tools", status: http.StatusBadRequest,
			body: `{"error":"does not support tools"}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ports.ErrBackendProtocol)
				assert.NotEqual(t, ports.ErrToolsUnsupported, err)
			},
		},
		{
			name: "server error", status: http.StatusInternalServerError, body: "boom",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ports.ErrBackendUnavailable) },
		},
		{
			name: "model missing", status: http.StatusNotFound, body: `{"error":"model not found"}`,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ports.ErrBackendUnavailable) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			})
			p := newOllamaTest(t, mux, OllamaConfig{Model: "m"})
			_, err := p.Complete(context.Background(), ports.PromptInput{Tools: tt.tools}, ports.Options{})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestOllamaStreamErrorChunk(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	})
	p := newOllamaTest(t, mux, OllamaConfig{Model: "m"})

	_, err := p.Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	var pe *ports.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Reason, "out of memory")
}

func TestOllamaFirstTokenTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	p := newOllamaTest(t, mux, OllamaConfig{
		Model:    "m",
		Timeouts: TimeoutConfig{FirstTokenTimeout: 50 * time.Millisecond},
	})

	_, err := p.Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	assert.ErrorIs(t, err, ports.ErrBackendTimeout)
	assert.Contains(t, err.Error(), "first token")
}

func TestOllamaStreamIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"hi"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	p := newOllamaTest(t, mux, OllamaConfig{
		Model:    "m",
		Timeouts: TimeoutConfig{FirstTokenTimeout: time.Second, StreamIdleTimeout: 50 * time.Millisecond},
	})

	_, err := p.Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	assert.ErrorIs(t, err, ports.ErrBackendTimeout)
	assert.Contains(t, err.Error(), "idle")
}

func TestOllamaCompleteWithoutModel(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{Endpoint: "http://127.0.0.1:1"}, zerolog.Nop())
	_, err := p.Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	assert.ErrorIs(t, err, ports.ErrBackendUnavailable)
}
