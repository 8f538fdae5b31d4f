package generation

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/toolrelay/relay/generation/harness"
	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// Message is one displayable line of a conversation.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant", "tool"
	Content string `json:"content"` // Message content
	Tool    string `json:"tool,omitempty"`
}

// Turner runs a single user turn over a history.
type Turner interface {
	SubmitTurn(ctx context.Context, history []ports.PromptMessage, userText string) harness.FinalAnswer
}

// Session keeps the history of one conversation between turns so front ends
// only deal with user text and answers.
type Session struct {
	turner Turner
	id     string

	mu      sync.Mutex
	system  string
	history []ports.PromptMessage
}

// NewSession starts a conversation. A non-empty system replaces the default
// system prompt.
func NewSession(turner Turner, system string) *Session {
	s := &Session{turner: turner, id: uuid.NewString(), system: system}
	s.reset()
	return s
}

// ID identifies the conversation in the transcript store.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Send runs one turn. Failed turns leave the history untouched so the user
// can retry.
func (s *Session) Send(ctx context.Context, text string) harness.FinalAnswer {
	s.mu.Lock()
	id, history := s.id, slices.Clone(s.history)
	s.mu.Unlock()

	ans := s.turner.SubmitTurn(harness.WithConversation(ctx, id), history, text)
	if ans.Err != nil {
		return ans
	}

	s.mu.Lock()
	s.history = append(s.history, ans.Messages...)
	s.mu.Unlock()
	return ans
}

// History returns a copy of the prompt history.
func (s *Session) History() []ports.PromptMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Transcript flattens the history for display. Assistant messages that only
// carried tool calls are skipped.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.history))
	for _, m := range s.history {
		if m.Role == "assistant" && m.Content == "" && len(m.ToolCalls) > 0 {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: m.Content, Tool: m.ToolName})
	}
	return out
}

// Reset clears the history and starts a new conversation id.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = uuid.NewString()
	s.reset()
}

func (s *Session) reset() {
	s.history = nil
	if s.system != "" {
		s.history = []ports.PromptMessage{{Role: "system", Content: s.system}}
	}
}
