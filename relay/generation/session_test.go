package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolrelay/relay/generation/harness"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

type turnFunc func(ctx context.Context, history []ports.PromptMessage, userText string) harness.FinalAnswer

func (f turnFunc) SubmitTurn(ctx context.Context, history []ports.PromptMessage, userText string) harness.FinalAnswer {
	return f(ctx, history, userText)
}

func TestSessionKeepsHistory(t *testing.T) {
	var seen [][]ports.PromptMessage
	turner := turnFunc(func(ctx context.Context, history []ports.PromptMessage, userText string) harness.FinalAnswer {
		seen = append(seen, history)
		return harness.FinalAnswer{
			Content: "re: " + userText,
			Messages: []ports.PromptMessage{
				{Role: "user", Content: userText},
				{Role: "assistant", ToolCalls: []ports.ToolCall{{ID: "c1", Name: "list_files"}}},
				{Role: "tool", Content: "a.txt", ToolCallID: "c1", ToolName: "list_files"},
				{Role: "assistant", Content: "re: " + userText},
			},
		}
	})

	s := NewSession(turner, "be brief")
	s.Send(context.Background(), "one")
	s.Send(context.Background(), "two")

	require.Len(t, seen, 2)
	assert.Len(t, seen[0], 1)
	assert.Equal(t, "system", seen[0][0].Role)
	assert.Len(t, seen[1], 5)
	assert.Len(t, s.History(), 9)

	transcript := s.Transcript()
	require.Len(t, transcript, 7)
	assert.Equal(t, Message{Role: "tool", Content: "a.txt", Tool: "list_files"}, transcript[2])
	assert.Equal(t, Message{Role: "assistant", Content: "re: two"}, transcript[6])
}

func TestSessionDropsFailedTurns(t *testing.T) {
	turner := turnFunc(func(ctx context.Context, history []ports.PromptMessage, userText string) harness.FinalAnswer {
		return harness.FinalAnswer{
			Content:  "The request failed",
			Err:      errors.New("boom"),
			Messages: []ports.PromptMessage{{Role: "user", Content: userText}},
		}
	})
	s := NewSession(turner, "")
	ans := s.Send(context.Background(), "hello")
	assert.Error(t, ans.Err)
	assert.Empty(t, s.History())
}

func TestSessionResetStartsNewConversation(t *testing.T) {
	var ids []string
	turner := turnFunc(func(ctx context.Context, history []ports.PromptMessage, userText string) harness.FinalAnswer {
		ids = append(ids, harness.ConversationID(ctx))
		return harness.FinalAnswer{Messages: []ports.PromptMessage{{Role: "user", Content: userText}}}
	})
	s := NewSession(turner, "sys")
	first := s.ID()
	s.Send(context.Background(), "x")
	s.Reset()

	assert.NotEqual(t, first, s.ID())
	require.Len(t, s.History(), 1)
	assert.Equal(t, "sys", s.History()[0].Content)
	s.Send(context.Background(), "y")
	assert.Equal(t, []string{first, s.ID()}, ids)
}
