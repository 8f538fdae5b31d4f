package harnessports

import (
	"context"
	"time"
)

// BackendID names a model backend kind.
type BackendID string

const (
	BackendAuto      BackendID = "auto"
	BackendOnDevice  BackendID = "on-device"
	BackendOllama    BackendID = "ollama"
	BackendAnthropic BackendID = "anthropic"
)

// PromptMessage is one entry of the ordered conversation context.
type PromptMessage struct {
	Role       string     // "system", "user", "assistant", "tool"
	Content    string     // text, or the tool output for role "tool"
	ToolCalls  []ToolCall // calls requested by an assistant message
	ToolCallID string     // correlates a tool message with its request
	ToolName   string     // tool that produced a tool message
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // leading system instructions, including the tool catalog
	Messages []PromptMessage   // ordered chat history without the system message
	Tools    []ToolSpec        // native tool declarations; empty in fallback mode
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling and limits for a single backend call.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
	Stop         []string
	Model        string // overrides the backend's configured model when set
}

// Usage captures token accounting for telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is a backend reply.
type Completion struct {
	Text      string
	ToolCalls []ToolCall // native structured calls, when the backend has them
	Model     string
	Usage     *Usage
}

// ProbeResult is the outcome of one live availability check. Never persisted.
type ProbeResult struct {
	Backend     BackendID
	Available   bool
	Model       string // model the backend would serve
	Diagnostic  string // why the backend is unavailable, when it is
	NativeTools bool   // structured tool calls are supported by the selected model
	CheckedAt   time.Time
}

// Provider is the abstraction for all model backends.
type Provider interface {
	ID() BackendID
	Probe(ctx context.Context) ProbeResult
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
