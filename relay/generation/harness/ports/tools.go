package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec is a tool catalog entry exposed to the model.
type ToolSpec struct {
	Name        string          // unique within a turn
	Description string          // concise doc for model selection
	JSONSchema  json.RawMessage // parameter schema as advertised by the server
}

// ToolCall is a model-requested invocation.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
	// Invalid is set by the extractor when the arguments could not be decoded
	// into a JSON object. The call still travels through the loop so it can be
	// answered with an error result.
	Invalid error `json:"-"`
}

// ToolResult is the outcome of a single ToolCall.
type ToolResult struct {
	ID      string
	Name    string
	Output  string
	IsError bool
}

// ToolRoute identifies the server-side target of a catalog entry.
type ToolRoute struct {
	ServerID string
	Tool     string // name as advertised by the server
}

// ToolCatalog is the per-turn snapshot of callable tools.
type ToolCatalog interface {
	Specs() []ToolSpec
	Resolve(name string) (ToolRoute, bool)
}

// ToolInvoker executes a routed call against a tool server.
type ToolInvoker interface {
	Invoke(ctx context.Context, serverID, tool string, args json.RawMessage) (ToolResult, error)
}
