package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// DefaultSystemPrompt is used when the history carries no system message.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user, and answer directly otherwise."

// PromptBuilder assembles model-ready inputs from the conversation and the
// turn's tool catalog.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build composes the system message from base, the catalog and, in fallback
// mode, the JSON calling instructions. In fallback mode tools are not declared
// natively and tool traffic is flattened into plain text turns.
func (b *PromptBuilder) Build(base string, messages []ports.PromptMessage, specs []ports.ToolSpec, fallback bool, meta map[string]string) ports.PromptInput {
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	in := ports.PromptInput{
		System: norm(b.System(base, specs, fallback)),
		Meta:   meta,
	}
	if fallback {
		in.Messages = flatten(messages)
	} else {
		in.Messages = append([]ports.PromptMessage(nil), messages...)
		in.Tools = specs
	}
	return in
}

// System renders the leading system message.
func (b *PromptBuilder) System(base string, specs []ports.ToolSpec, fallback bool) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	if len(specs) == 0 {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, s := range specs {
		fmt.Fprintf(&sb, "- %s", s.Name)
		if s.Description != "" {
			fmt.Fprintf(&sb, ": %s", oneLine(s.Description))
		}
		sb.WriteByte('\n')
		if fallback && len(s.JSONSchema) > 0 {
			fmt.Fprintf(&sb, "  arguments schema: %s\n", compactJSON(s.JSONSchema))
		}
	}
	if fallback {
		sb.WriteString("\n")
		sb.WriteString(FallbackInstructions)
	}
	return sb.String()
}

// flatten rewrites tool traffic for backends that never saw native tool
// declarations: requests become the fallback JSON the model was asked to
// write, and results become user turns.
func flatten(messages []ports.PromptMessage) []ports.PromptMessage {
	out := make([]ports.PromptMessage, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			content := m.Content
			if enc, err := EncodeFallback(m.ToolCalls); err == nil && !strings.Contains(content, `"tool_calls"`) {
				content = strings.TrimSpace(content + "\n" + enc)
			}
			out = append(out, ports.PromptMessage{Role: "assistant", Content: content})
		case m.Role == "tool":
			out = append(out, ports.PromptMessage{
				Role:    "user",
				Content: fmt.Sprintf("Result of tool %s (call %s):\n%s", m.ToolName, m.ToolCallID, m.Content),
			})
		default:
			out = append(out, ports.PromptMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return oneLine(string(raw))
	}
	return buf.String()
}
