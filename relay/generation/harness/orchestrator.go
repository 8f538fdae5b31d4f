package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

const (
	MaxIterations      = 10
	BackendCallTimeout = 60 * time.Second
)

// Backends picks the provider for a turn.
type Backends interface {
	Choose(ctx context.Context, preference ports.BackendID) (ports.Provider, ports.ProbeResult, error)
}

// ToolHost snapshots the tool catalog and executes routed calls.
type ToolHost interface {
	ports.ToolInvoker
	ToolCatalog() ports.ToolCatalog
}

// Policy controls orchestration behavior.
type Policy struct {
	MaxIterations  int           // backend calls per turn
	BackendTimeout time.Duration // hard bound on one backend call
	MaxNewTokens   int
	Temperature    float32
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxIterations:  MaxIterations,
		BackendTimeout: BackendCallTimeout,
		MaxNewTokens:   1024,
		Temperature:    0.7,
	}
}

// TraceEntry records one executed tool call.
type TraceEntry struct {
	Call     ports.ToolCall
	Result   ports.ToolResult
	ServerID string
}

// FinalAnswer is what a turn produces. It always carries displayable content;
// Err is set when the turn failed.
type FinalAnswer struct {
	Content      string
	Trace        []TraceEntry
	Incomplete   bool             // the iteration budget ran out
	Pending      []ports.ToolCall // calls of the last reply left unexecuted
	Err          error
	Backend      ports.BackendID
	Iterations   int // backend calls made
	UsedFallback bool
	Messages     []ports.PromptMessage // user, assistant and tool messages added by the turn
}

type conversationKey struct{}

// WithConversation tags ctx with the conversation id used for transcripts.
func WithConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationID returns the id set by WithConversation, or "default".
func ConversationID(ctx context.Context) string {
	if id, ok := ctx.Value(conversationKey{}).(string); ok && id != "" {
		return id
	}
	return "default"
}

// Orchestrator runs the bounded tool-calling loop of a conversation turn.
type Orchestrator struct {
	backends Backends
	tools    ToolHost
	policy   Policy

	mu         sync.RWMutex
	preference ports.BackendID

	extractor  *Extractor
	builder    *PromptBuilder
	guardrails *Guardrails
	store      ports.ConversationStore
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	logger     zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPreference(id ports.BackendID) Option { return func(o *Orchestrator) { o.preference = id } }
func WithPolicy(p Policy) Option               { return func(o *Orchestrator) { o.policy = p } }
func WithGuardrails(g *Guardrails) Option      { return func(o *Orchestrator) { o.guardrails = g } }
func WithStore(s ports.ConversationStore) Option {
	return func(o *Orchestrator) { o.store = s }
}
func WithRateLimiter(l ports.RateLimiter) Option { return func(o *Orchestrator) { o.limiter = l } }
func WithTracer(t ports.Tracer) Option           { return func(o *Orchestrator) { o.tracer = t } }
func WithLogger(l zerolog.Logger) Option         { return func(o *Orchestrator) { o.logger = l } }

// NewOrchestrator creates an orchestrator over backends and tools. Unset
// collaborators are no-ops.
func NewOrchestrator(backends Backends, tools ToolHost, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backends:   backends,
		tools:      tools,
		preference: ports.BackendAuto,
		policy:     DefaultPolicy(),
		extractor:  NewExtractor(),
		builder:    NewPromptBuilder(),
		guardrails: NewGuardrails(),
		store:      &noOpStore{},
		limiter:    &noOpRateLimiter{},
		tracer:     &noOpTracer{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy.MaxIterations <= 0 {
		o.policy.MaxIterations = MaxIterations
	}
	if o.policy.BackendTimeout <= 0 {
		o.policy.BackendTimeout = BackendCallTimeout
	}
	return o
}

// Preference returns the configured backend preference.
func (o *Orchestrator) Preference() ports.BackendID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.preference
}

// SetPreference changes the backend preference for later turns. A turn in
// flight keeps the preference it started with.
func (o *Orchestrator) SetPreference(id ports.BackendID) {
	o.mu.Lock()
	o.preference = id
	o.mu.Unlock()
}

// SubmitTurn runs one user turn to completion. It never fails: problems are
// reported in the answer's content with Err set.
func (o *Orchestrator) SubmitTurn(ctx context.Context, history []ports.PromptMessage, userText string) (ans FinalAnswer) {
	conversationID := ConversationID(ctx)
	preference := o.Preference()
	logger := o.logger.With().Str("conversation", conversationID).Logger()

	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{"conversation_id": conversationID})
	defer func() {
		finish(ans.Err)
		o.persist(ctx, conversationID, ans)
	}()

	base, msgs := splitSystem(history)
	start := len(msgs)
	msgs = append(msgs, ports.PromptMessage{Role: "user", Content: userText})
	defer func() { ans.Messages = slices.Clone(msgs[start:]) }()

	provider, probe, err := o.backends.Choose(ctx, preference)
	if err != nil {
		return failed(ans, err)
	}
	ans.Backend = provider.ID()

	catalog := o.tools.ToolCatalog()
	specs := o.guardrails.Filter(catalog.Specs())
	byName := make(map[string]ports.ToolSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	fallback := len(specs) > 0 && !probe.NativeTools
	retried := false
	seenIDs := map[string]struct{}{}

	logger.Debug().
		Str("backend", string(provider.ID())).
		Int("tools", len(specs)).
		Bool("fallback", fallback).
		Msg("turn started")

	opts := ports.Options{MaxNewTokens: o.policy.MaxNewTokens, Temperature: o.policy.Temperature}
	for iter := 1; iter <= o.policy.MaxIterations; iter++ {
		in := o.builder.Build(base, msgs, specs, fallback, map[string]string{
			"conversation_id": conversationID,
			"iteration":       fmt.Sprint(iter),
		})
		ans.Iterations++
		c, err := o.complete(ctx, provider, in, opts)
		if errors.Is(err, ports.ErrToolsUnsupported) && !fallback && !retried {
			logger.Info().Str("backend", string(provider.ID())).Msg("backend rejected tool declarations, retrying in fallback mode")
			o.tracer.Event(ctx, "fallback_retry", map[string]any{"backend": string(provider.ID())})
			fallback, retried = true, true
			iter--
			continue
		}
		if err != nil {
			ans.UsedFallback = fallback
			return failed(ans, err)
		}

		calls, _ := o.extractor.Extract(c, fallback)
		o.extractor.Dedupe(calls, seenIDs)
		if len(calls) == 0 {
			msgs = append(msgs, ports.PromptMessage{Role: "assistant", Content: c.Text})
			ans.Content = c.Text
			ans.UsedFallback = fallback
			return ans
		}

		msgs = append(msgs, ports.PromptMessage{Role: "assistant", Content: c.Text, ToolCalls: calls})
		if iter == o.policy.MaxIterations {
			ans.Content = c.Text
			ans.Pending = calls
			break
		}

		for _, call := range calls {
			res, serverID := o.runCall(ctx, catalog, byName, call)
			ans.Trace = append(ans.Trace, TraceEntry{Call: call, Result: res, ServerID: serverID})
			content := res.Output
			if res.IsError {
				content = "Error: " + res.Output
			}
			msgs = append(msgs, ports.PromptMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	logger.Warn().Int("iterations", ans.Iterations).Msg("iteration budget exhausted")
	ans.Incomplete = true
	ans.UsedFallback = fallback
	return ans
}

// complete calls the backend raced against the policy timeout. On timeout the
// call's context is cancelled and the call is abandoned.
func (o *Orchestrator) complete(ctx context.Context, p ports.Provider, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	backend := string(p.ID())
	release, err := o.limiter.Acquire(ctx, backend)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("rate limit exceeded: %w", err)
	}
	defer release()

	ctx, finish := o.tracer.StartSpan(ctx, "backend_call", map[string]any{
		"backend":  backend,
		"tools":    len(in.Tools),
		"messages": len(in.Messages),
	})

	type result struct {
		c   ports.Completion
		err error
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan result, 1)
	go func() {
		c, err := p.Complete(callCtx, in, opts)
		done <- result{c, err}
	}()

	timer := time.NewTimer(o.policy.BackendTimeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-done:
	case <-timer.C:
		r.err = fmt.Errorf("%w after %s", ports.ErrBackendTimeout, o.policy.BackendTimeout)
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	finish(r.err)
	return r.c, r.err
}

// runCall executes one call through the turn's catalog. Every failure becomes
// an error result.
func (o *Orchestrator) runCall(ctx context.Context, catalog ports.ToolCatalog, specs map[string]ports.ToolSpec, call ports.ToolCall) (ports.ToolResult, string) {
	res := ports.ToolResult{ID: call.ID, Name: call.Name}
	fail := func(serverID string, err error) (ports.ToolResult, string) {
		res.IsError = true
		res.Output = err.Error()
		o.tracer.Event(ctx, "tool_error", map[string]any{"tool": call.Name, "error": err.Error()})
		return res, serverID
	}

	if call.Invalid != nil {
		return fail("", call.Invalid)
	}
	spec, ok := specs[call.Name]
	if !ok {
		return fail("", fmt.Errorf("unknown tool %q", call.Name))
	}
	route, ok := catalog.Resolve(call.Name)
	if !ok {
		return fail("", fmt.Errorf("unknown tool %q", call.Name))
	}
	if err := o.guardrails.ValidateToolCall(call, spec); err != nil {
		return fail(route.ServerID, err)
	}

	ctx, finish := o.tracer.StartSpan(ctx, "tool_call", map[string]any{
		"tool":   call.Name,
		"server": route.ServerID,
	})
	out, err := o.tools.Invoke(ctx, route.ServerID, route.Tool, call.Args)
	finish(err)
	if err != nil {
		return fail(route.ServerID, err)
	}
	out.ID, out.Name = call.ID, call.Name
	o.tracer.Event(ctx, "tool_result", map[string]any{"tool": call.Name, "is_error": out.IsError})
	return out, route.ServerID
}

// persist records the turn's messages and tool artifacts. Store failures are
// logged only.
func (o *Orchestrator) persist(ctx context.Context, conversationID string, ans FinalAnswer) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	for _, m := range ans.Messages {
		turn := ports.Turn{
			Role:       m.Role,
			Content:    o.guardrails.SanitizeOutput(m.Content),
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
			CreatedAt:  now,
		}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			if enc, err := EncodeFallback(m.ToolCalls); err == nil {
				turn.Content = o.guardrails.SanitizeOutput(joinNonEmpty(m.Content, enc))
			}
		}
		if err := o.store.SaveTurn(ctx, conversationID, turn); err != nil {
			o.logger.Warn().Err(err).Str("conversation", conversationID).Msg("failed to save turn")
			return
		}
	}
	for _, t := range ans.Trace {
		payload, err := json.Marshal(map[string]any{
			"id":        t.Call.ID,
			"server_id": t.ServerID,
			"arguments": json.RawMessage(validOr(t.Call.Args)),
			"output":    o.guardrails.SanitizeOutput(t.Result.Output),
			"is_error":  t.Result.IsError,
		})
		if err != nil {
			continue
		}
		if err := o.store.AppendToolArtifact(ctx, conversationID, t.Call.Name, payload); err != nil {
			o.logger.Warn().Err(err).Str("tool", t.Call.Name).Msg("failed to save tool artifact")
		}
	}
}

// splitSystem separates a leading system message from the history. Its
// content becomes the base of the rebuilt system message.
func splitSystem(history []ports.PromptMessage) (string, []ports.PromptMessage) {
	msgs := make([]ports.PromptMessage, 0, len(history)+1)
	base := ""
	for i, m := range history {
		if i == 0 && m.Role == "system" {
			base = m.Content
			continue
		}
		msgs = append(msgs, m)
	}
	return base, msgs
}

func failed(ans FinalAnswer, err error) FinalAnswer {
	ans.Err = err
	switch {
	case errors.Is(err, ports.ErrBackendTimeout):
		ans.Content = "The model backend timed out before answering. Please try again."
	case errors.Is(err, ports.ErrNoProviderAvailable):
		ans.Content = "No model backend is available: " + err.Error()
	default:
		ans.Content = "The request failed: " + err.Error()
	}
	return ans
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n" + b
}

func validOr(raw json.RawMessage) []byte {
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}
