package harnessports

import (
	"context"
	"time"
)

// Turn is one persisted transcript entry.
type Turn struct {
	Role       string    `json:"role"`    // "user" | "assistant" | "system" | "tool"
	Content    string    `json:"content"` // text or tool output
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationStore records finished turns for auditing. Persisted copies are
// write-mostly; the orchestrator never reads them back into a turn.
type ConversationStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	LoadContext(ctx context.Context, conversationID string, k int) ([]Turn, error) // last-k turns
	AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error
}
