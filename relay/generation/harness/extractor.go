package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// FallbackInstructions tells a model without structured tool calls how to
// request them. The extractor only looks for this exact shape.
const FallbackInstructions = `To call tools, reply with ONLY a JSON object of this exact shape and no other text:
{"tool_calls":[{"name":"<tool name>","arguments":{<arguments as a JSON object>}}]}
You may list several calls; they run in order. After the results come back, either call more tools the same way or answer the user in plain text without any JSON.`

// fallbackEnvelope is the wire shape of fallback tool calls.
type fallbackEnvelope struct {
	ToolCalls []fallbackCall `json:"tool_calls"`
}

type fallbackCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Extractor turns backend replies into tool calls.
type Extractor struct {
	newID func() string
}

// NewExtractor creates an extractor that names calls call_<uuid>.
func NewExtractor() *Extractor {
	return &Extractor{newID: func() string { return "call_" + uuid.NewString() }}
}

// Extract returns the tool calls in c. Native calls win. Reply text is parsed
// only when usingFallback is set, and text that does not hold the fallback
// shape is a plain answer: zero calls and no error. A call whose arguments are
// not a JSON object is returned with Invalid set so only that call fails.
// Call ids are unique within the returned slice.
func (x *Extractor) Extract(c ports.Completion, usingFallback bool) ([]ports.ToolCall, error) {
	if len(c.ToolCalls) > 0 {
		out := make([]ports.ToolCall, 0, len(c.ToolCalls))
		for _, call := range c.ToolCalls {
			if strings.TrimSpace(call.Name) == "" {
				continue
			}
			out = append(out, x.normalize(call.ID, call.Name, call.Args))
		}
		x.Dedupe(out, map[string]struct{}{})
		return out, nil
	}
	if !usingFallback {
		return nil, nil
	}

	env, ok := findEnvelope(c.Text)
	if !ok {
		return nil, nil
	}
	out := make([]ports.ToolCall, 0, len(env.ToolCalls))
	for _, fc := range env.ToolCalls {
		if strings.TrimSpace(fc.Name) == "" {
			continue
		}
		out = append(out, x.normalize(fc.ID, fc.Name, fc.Arguments))
	}
	x.Dedupe(out, map[string]struct{}{})
	return out, nil
}

// Dedupe gives every call whose id is empty or already in seen a fresh id,
// then records the ids of calls in seen.
func (x *Extractor) Dedupe(calls []ports.ToolCall, seen map[string]struct{}) {
	for i := range calls {
		for {
			if _, dup := seen[calls[i].ID]; !dup && calls[i].ID != "" {
				break
			}
			calls[i].ID = x.newID()
		}
		seen[calls[i].ID] = struct{}{}
	}
}

func (x *Extractor) normalize(id, name string, args json.RawMessage) ports.ToolCall {
	call := ports.ToolCall{ID: id, Name: strings.TrimSpace(name)}
	if call.ID == "" {
		call.ID = x.newID()
	}
	obj, err := argumentObject(args)
	if err != nil {
		call.Args = args
		call.Invalid = err
		return call
	}
	call.Args = obj
	return call
}

// argumentObject compacts args into a JSON object. Missing or null arguments
// mean no arguments; a string holding an encoded object is unwrapped.
func argumentObject(args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			trimmed = bytes.TrimSpace([]byte(inner))
		}
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ports.ErrMalformedToolCallJSON)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrMalformedToolCallJSON, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// findEnvelope locates the first JSON object in text, after stripping code
// fences, and accepts it only if it carries a tool_calls array.
func findEnvelope(text string) (fallbackEnvelope, bool) {
	text = stripFences(text)
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return fallbackEnvelope{}, false
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw); err != nil {
		return fallbackEnvelope{}, false
	}
	calls, ok := raw["tool_calls"]
	if !ok || len(bytes.TrimSpace(calls)) == 0 || bytes.TrimSpace(calls)[0] != '[' {
		return fallbackEnvelope{}, false
	}

	var env fallbackEnvelope
	if err := json.Unmarshal(calls, &env.ToolCalls); err != nil {
		return fallbackEnvelope{}, false
	}
	return env, true
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// drop the info string, e.g. ```json
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

// EncodeFallback writes calls in the shape FallbackInstructions asks for.
func EncodeFallback(calls []ports.ToolCall) (string, error) {
	env := fallbackEnvelope{ToolCalls: make([]fallbackCall, 0, len(calls))}
	for _, c := range calls {
		args := c.Args
		if len(bytes.TrimSpace(args)) == 0 {
			args = json.RawMessage(`{}`)
		}
		env.ToolCalls = append(env.ToolCalls, fallbackCall{ID: c.ID, Name: c.Name, Arguments: args})
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode fallback tool calls: %w", err)
	}
	return string(b), nil
}
