package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com"
	defaultAnthropicModel    = "claude-3-5-haiku-latest"
	anthropicVersion         = "2023-06-01"
	defaultAnthropicTokens   = 1024
)

// AnthropicConfig configures the cloud API client.
type AnthropicConfig struct {
	Endpoint  string
	Model     string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration // whole-request HTTP timeout; the orchestrator applies its own
}

// AnthropicProvider calls the Messages API.
type AnthropicProvider struct {
	cfg    AnthropicConfig
	client *http.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	model string
}

// NewAnthropicProvider creates the client. Zero config fields take defaults.
func NewAnthropicProvider(cfg AnthropicConfig, logger zerolog.Logger) *AnthropicProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultAnthropicEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &AnthropicProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "anthropic").Logger(),
		model:  cfg.Model,
	}
}

func (p *AnthropicProvider) ID() ports.BackendID { return ports.BackendAnthropic }

// PreferModel changes the model used by later completions.
func (p *AnthropicProvider) PreferModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

func (p *AnthropicProvider) currentModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// Probe reports availability from configuration alone so that probing never
// costs an API call.
func (p *AnthropicProvider) Probe(ctx context.Context) ports.ProbeResult {
	res := ports.ProbeResult{
		Backend:   ports.BackendAnthropic,
		Model:     p.currentModel(),
		CheckedAt: time.Now(),
	}
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		res.Diagnostic = "no Anthropic API key configured (set ANTHROPIC_API_KEY or providers.anthropic.api_key)"
		return res
	}
	res.Available = true
	res.NativeTools = true
	return res
}

// Messages API types.
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is the union of text, tool_use and tool_result blocks.
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Content    []anthropicBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return ports.Completion{}, fmt.Errorf("%w: Anthropic API key not configured", ports.ErrBackendUnavailable)
	}

	req := anthropicRequest{
		Model:     p.currentModel(),
		System:    in.System,
		Messages:  toAnthropicMessages(in.Messages),
		MaxTokens: p.cfg.MaxTokens,
		Stop:      opts.Stop,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxNewTokens > 0 {
		req.MaxTokens = opts.MaxNewTokens
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if opts.TopP > 0 && opts.TopP < 1 {
		tp := opts.TopP
		req.TopP = &tp
	}
	for _, t := range in.Tools {
		schema := t.JSONSchema
		if len(bytes.TrimSpace(schema)) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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
		return ports.Completion{}, anthropicStatusError(resp, len(req.Tools) > 0)
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return ports.Completion{}, &ports.ProtocolError{Reason: "decode response: " + err.Error()}
	}

	c := ports.Completion{
		Model: ar.Model,
		Usage: &ports.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, b := range ar.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			c.ToolCalls = append(c.ToolCalls, ports.ToolCall{ID: b.ID, Name: b.Name, Args: nonEmptyArgs(b.Input)})
		}
	}
	c.Text = text.String()

	p.logger.Debug().
		Str("model", c.Model).
		Str("stop_reason", ar.StopReason).
		Int("tool_calls", len(c.ToolCalls)).
		Dur("duration", time.Since(start)).
		Msg("anthropic completion")
	return c, nil
}

func anthropicStatusError(resp *http.Response, sentTools bool) error {
	body, _ := readLimitedBody(resp.Body, maxErrorBodySize)
	msg := string(body)
	var er anthropicErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Type + ": " + er.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest && sentTools && rejectsTools(msg):
		return ports.ErrToolsUnsupported
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: Anthropic rejected the API key (status %d): %s", ports.ErrBackendUnavailable, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: Anthropic error (status %d): %s", ports.ErrBackendUnavailable, resp.StatusCode, msg)
	default:
		return &ports.ProtocolError{Reason: fmt.Sprintf("Anthropic error (status %d): %s", resp.StatusCode, msg)}
	}
}

// toolsUnsupportedPhrases are the 400 messages of models without tool use.
// Other 400s that mention tools are malformed requests.
var toolsUnsupportedPhrases = []string{
	"does not support tools",
	"does not support tool use",
	"tool use is not supported",
	"tools are not supported",
	"tools: not supported",
}

func rejectsTools(msg string) bool {
	msg = strings.ToLower(msg)
	for _, phrase := range toolsUnsupportedPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// toAnthropicMessages maps the conversation onto user/assistant turns. Tool
// results become tool_result blocks of a user turn, and consecutive turns of
// the same role are merged.
func toAnthropicMessages(msgs []ports.PromptMessage) []anthropicMessage {
	var out []anthropicMessage
	push := func(role string, blocks ...anthropicBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case "system":
			// carried in the request's system field
		case "tool":
			push("user", anthropicBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		case "assistant":
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, c := range m.ToolCalls {
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: c.ID, Name: c.Name, Input: nonEmptyArgs(c.Args)})
			}
			push("assistant", blocks...)
		default:
			if m.Content != "" {
				push("user", anthropicBlock{Type: "text", Text: m.Content})
			}
		}
	}
	return out
}

var _ ports.Provider = (*AnthropicProvider)(nil)
