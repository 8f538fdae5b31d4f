package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// LibSQLConversationStore records transcripts in the conversation_turns table.
type LibSQLConversationStore struct {
	db *sql.DB
}

// NewLibSQLConversationStore creates a store over an already migrated database.
func NewLibSQLConversationStore(db *sql.DB) *LibSQLConversationStore {
	return &LibSQLConversationStore{db: db}
}

// SaveTurn appends a turn to the transcript.
func (s *LibSQLConversationStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO conversation_turns (conversation_id, role, content, tool_call_id, tool_name, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conversationID, turn.Role, turn.Content, turn.ToolCallID, turn.ToolName, turn.IsError,
		turn.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// LoadContext loads the last k turns in chronological order. k <= 0 loads all.
func (s *LibSQLConversationStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	if k <= 0 {
		k = -1 // sqlite: no limit
	}

	const query = `
		SELECT role, content, tool_call_id, tool_name, is_error, created_at FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			turn      ports.Turn
			createdAt string
		)
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.ToolCallID, &turn.ToolName, &turn.IsError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			turn.CreatedAt = ts
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	// Reverse to get chronological order (oldest first)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendToolArtifact records a raw tool payload as a tool turn.
func (s *LibSQLConversationStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	return s.SaveTurn(ctx, conversationID, ports.Turn{
		Role:      "tool",
		Content:   string(payload),
		ToolName:  name,
		CreatedAt: time.Now(),
	})
}

var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)
