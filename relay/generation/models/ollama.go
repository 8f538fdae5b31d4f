package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

const (
	defaultOllamaEndpoint = "http://127.0.0.1:11434"
	maxErrorBodySize      = 8 << 10
	maxStreamedSize       = 4 << 20
)

// TimeoutConfig splits an Ollama call into three phases:
// connection, waiting for the first streamed chunk (model cold start), and the
// gap between chunks.
type TimeoutConfig struct {
	ConnectionTimeout time.Duration
	FirstTokenTimeout time.Duration
	StreamIdleTimeout time.Duration
}

// DefaultTimeoutConfig is tuned for a local server with cold starts.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 30 * time.Second,
		FirstTokenTimeout: 120 * time.Second,
		StreamIdleTimeout: 30 * time.Second,
	}
}

// OllamaConfig configures the local network model server client.
type OllamaConfig struct {
	Endpoint     string
	Model        string // preferred model; the first installed one is used when empty or missing
	ProbeTimeout time.Duration
	Timeouts     TimeoutConfig
}

// OllamaProvider talks to an Ollama server over /api/chat.
type OllamaProvider struct {
	cfg    OllamaConfig
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	preferred string
	model     string // resolved by the last successful probe
}

// NewOllamaProvider creates the client. Zero config fields take defaults.
func NewOllamaProvider(cfg OllamaConfig, logger zerolog.Logger) *OllamaProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultOllamaEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	def := DefaultTimeoutConfig()
	if cfg.Timeouts.ConnectionTimeout <= 0 {
		cfg.Timeouts.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.Timeouts.FirstTokenTimeout <= 0 {
		cfg.Timeouts.FirstTokenTimeout = def.FirstTokenTimeout
	}
	if cfg.Timeouts.StreamIdleTimeout <= 0 {
		cfg.Timeouts.StreamIdleTimeout = def.StreamIdleTimeout
	}

	return &OllamaProvider{
		cfg: cfg,
		// No Client.Timeout: it would cover reading the streamed body.
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: cfg.Timeouts.ConnectionTimeout}).DialContext,
				ResponseHeaderTimeout: cfg.Timeouts.FirstTokenTimeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		logger:    logger.With().Str("component", "ollama").Str("endpoint", cfg.Endpoint).Logger(),
		preferred: cfg.Model,
		model:     cfg.Model,
	}
}

func (p *OllamaProvider) ID() ports.BackendID { return ports.BackendOllama }

// PreferModel changes the model looked for by the next probe.
func (p *OllamaProvider) PreferModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preferred = model
	p.model = model
}

type ollamaModel struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

// Probe lists installed models. The server is available when at least one
// model is installed.
func (p *OllamaProvider) Probe(ctx context.Context) ports.ProbeResult {
	res := ports.ProbeResult{Backend: ports.BackendOllama, CheckedAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	models, err := p.listModels(ctx)
	if err != nil {
		res.Diagnostic = err.Error()
		return res
	}
	if len(models) == 0 {
		res.Diagnostic = fmt.Sprintf("ollama at %s has no models installed; run `ollama pull <model>`", p.cfg.Endpoint)
		return res
	}

	p.mu.RLock()
	want := p.preferred
	p.mu.RUnlock()

	chosen := models[0].Name
	if want != "" {
		for _, m := range models {
			if m.Name == want || strings.TrimSuffix(m.Name, ":latest") == want {
				chosen = m.Name
				break
			}
		}
		if chosen != want && strings.TrimSuffix(chosen, ":latest") != want {
			p.logger.Debug().Str("wanted", want).Str("using", chosen).Msg("configured model not installed")
		}
	}

	p.mu.Lock()
	p.model = chosen
	p.mu.Unlock()

	res.Available = true
	res.Model = chosen
	res.NativeTools = true
	return res
}

func (p *OllamaProvider) listModels(ctx context.Context) ([]ollamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot reach ollama at %s: %v", ports.ErrBackendUnavailable, p.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, maxErrorBodySize)
		return nil, fmt.Errorf("%w: ollama tags (status %d): %s", ports.ErrBackendUnavailable, resp.StatusCode, body)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &ports.ProtocolError{Reason: "decode tags: " + err.Error()}
	}
	return tags.Models, nil
}

// Ollama chat API types.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
	Tools    []ollamaToolDef `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolDef struct {
	Type     string            `json:"type"`
	Function ollamaFunctionDef `json:"function"`
}

type ollamaFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Seed        int      `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// Complete streams a chat completion and aggregates it.
func (p *OllamaProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	model := opts.Model
	if model == "" {
		p.mu.RLock()
		model = p.model
		p.mu.RUnlock()
	}
	if model == "" {
		return ports.Completion{}, fmt.Errorf("%w: no ollama model selected", ports.ErrBackendUnavailable)
	}

	req := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: toOllamaMessages(in),
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			NumPredict:  opts.MaxNewTokens,
			Seed:        opts.Seed,
			Stop:        opts.Stop,
		},
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, ollamaToolDef{
			Type:     "function",
			Function: ollamaFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.JSONSchema},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ports.Completion{}, ctx.Err()
		}
		return ports.Completion{}, fmt.Errorf("%w: %v", ports.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ports.Completion{}, ollamaStatusError(resp, len(req.Tools) > 0)
	}

	c, err := p.readStream(ctx, resp.Body)
	if err != nil {
		return ports.Completion{}, err
	}
	p.logger.Debug().
		Str("model", c.Model).
		Int("tool_calls", len(c.ToolCalls)).
		Dur("duration", time.Since(start)).
		Msg("ollama completion")
	return c, nil
}

func ollamaStatusError(resp *http.Response, sentTools bool) error {
	body, _ := readLimitedBody(resp.Body, maxErrorBodySize)
	msg := string(body)
	switch {
	case resp.StatusCode == http.StatusBadRequest && sentTools && strings.Contains(strings.ToLower(msg), "does not support tools"):
		return ports.ErrToolsUnsupported
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: ollama error (status %d): %s", ports.ErrBackendUnavailable, resp.StatusCode, msg)
	default:
		return &ports.ProtocolError{Reason: fmt.Sprintf("ollama error (status %d): %s", resp.StatusCode, msg)}
	}
}

// readStream applies the first-token and idle phases while decoding NDJSON.
func (p *OllamaProvider) readStream(ctx context.Context, body io.Reader) (ports.Completion, error) {
	type streamChunk struct {
		chunk ollamaChatResponse
		err   error
	}

	chunks := make(chan streamChunk, 1)
	go func() {
		defer close(chunks)
		dec := json.NewDecoder(body)
		for {
			var chunk ollamaChatResponse
			if err := dec.Decode(&chunk); err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
					case chunks <- streamChunk{err: err}:
					}
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case chunks <- streamChunk{chunk: chunk}:
			}
			if chunk.Done {
				return
			}
		}
	}()

	var (
		text      strings.Builder
		calls     []ollamaToolCall
		model     string
		usage     ports.Usage
		gotFirst  bool
		sawDone   bool
		phaseWait = p.cfg.Timeouts.FirstTokenTimeout
	)
	timer := time.NewTimer(phaseWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ports.Completion{}, ctx.Err()

		case <-timer.C:
			if !gotFirst {
				return ports.Completion{}, fmt.Errorf("%w: no first token within %s", ports.ErrBackendTimeout, p.cfg.Timeouts.FirstTokenTimeout)
			}
			return ports.Completion{}, fmt.Errorf("%w: stream idle for %s", ports.ErrBackendTimeout, p.cfg.Timeouts.StreamIdleTimeout)

		case sc, ok := <-chunks:
			if !ok {
				if !sawDone && model == "" {
					return ports.Completion{}, &ports.ProtocolError{Reason: "empty response from ollama"}
				}
				c := ports.Completion{Text: text.String(), Model: model}
				if usage.TotalTokens > 0 {
					u := usage
					c.Usage = &u
				}
				for _, call := range calls {
					args := call.Function.Arguments
					if len(args) == 0 || string(args) == "null" {
						args = json.RawMessage(`{}`)
					}
					// ollama assigns no call ids; the extractor fills them
					c.ToolCalls = append(c.ToolCalls, ports.ToolCall{
						Name: call.Function.Name,
						Args: args,
					})
				}
				return c, nil
			}
			if sc.err != nil {
				return ports.Completion{}, &ports.ProtocolError{Reason: "decode stream chunk: " + sc.err.Error()}
			}
			if sc.chunk.Error != "" {
				return ports.Completion{}, &ports.ProtocolError{Reason: "ollama: " + sc.chunk.Error}
			}

			gotFirst = true
			timer.Reset(p.cfg.Timeouts.StreamIdleTimeout)

			if s := sc.chunk.Message.Content; s != "" {
				if text.Len()+len(s) > maxStreamedSize {
					return ports.Completion{}, &ports.ProtocolError{Reason: "response size exceeded limit"}
				}
				text.WriteString(s)
			}
			calls = append(calls, sc.chunk.Message.ToolCalls...)
			if model == "" {
				model = sc.chunk.Model
			}
			if sc.chunk.Done {
				sawDone = true
				usage = ports.Usage{
					PromptTokens:     sc.chunk.PromptEvalCount,
					CompletionTokens: sc.chunk.EvalCount,
					TotalTokens:      sc.chunk.PromptEvalCount + sc.chunk.EvalCount,
				}
			}
		}
	}
}

func toOllamaMessages(in ports.PromptInput) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		out = append(out, ollamaMessage{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Role == "tool" {
			om.ToolName = m.ToolName
		}
		for _, c := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaFunctionCall{Name: c.Name, Arguments: nonEmptyArgs(c.Args)},
			})
		}
		out = append(out, om)
	}
	return out
}

func nonEmptyArgs(a json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(a)) == 0 {
		return json.RawMessage(`{}`)
	}
	return a
}

func readLimitedBody(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil && !errors.Is(err, io.EOF) {
		return b, err
	}
	return bytes.TrimSpace(b), nil
}

var _ ports.Provider = (*OllamaProvider)(nil)
