package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"dbagent/internal/domain"
)

func newTestLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// --- LLM fakes ---

type llmResult struct {
	resp *domain.ChatResponse
	err  error
}

// mockLLM returns scripted results in order and records every request.
type mockLLM struct {
	mu       sync.Mutex
	results  []llmResult
	idx      int
	requests []domain.ChatRequest
	chatFunc func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.chatFunc
	if fn == nil && m.idx >= len(m.results) {
		m.mu.Unlock()
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "fallback"},
		}, nil
	}
	var r llmResult
	if fn == nil {
		r = m.results[m.idx]
		m.idx++
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return r.resp, r.err
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) lastRequest() domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func textResponse(content string) llmResult {
	return llmResult{resp: &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
	}}
}

func callResponse(calls ...domain.ToolCall) llmResult {
	return llmResult{resp: &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: calls},
	}}
}

// --- Decision engine fake ---

// scriptedEngine replays decisions and records the history it was shown.
type scriptedEngine struct {
	mu        sync.Mutex
	steps     []func(ctx context.Context, req domain.DecisionRequest) (*domain.Decision, error)
	idx       int
	histories [][]domain.Message
	snapshots []*domain.ToolSnapshot
}

func (e *scriptedEngine) Decide(ctx context.Context, req domain.DecisionRequest) (*domain.Decision, error) {
	e.mu.Lock()
	e.histories = append(e.histories, req.History)
	e.snapshots = append(e.snapshots, req.Tools)
	if e.idx >= len(e.steps) {
		e.mu.Unlock()
		return answer("done")(ctx, req)
	}
	step := e.steps[e.idx]
	e.idx++
	e.mu.Unlock()
	return step(ctx, req)
}

func (e *scriptedEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.histories)
}

func answer(text string) func(context.Context, domain.DecisionRequest) (*domain.Decision, error) {
	return func(context.Context, domain.DecisionRequest) (*domain.Decision, error) {
		return &domain.Decision{
			Kind:    domain.DecisionAnswer,
			Answer:  text,
			Message: domain.Message{Role: domain.RoleAssistant, Content: text},
		}, nil
	}
}

func invoke(calls ...domain.ToolCall) func(context.Context, domain.DecisionRequest) (*domain.Decision, error) {
	return func(context.Context, domain.DecisionRequest) (*domain.Decision, error) {
		return &domain.Decision{
			Kind:    domain.DecisionInvoke,
			Calls:   calls,
			Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: calls},
		}, nil
	}
}

func failDecision(err error) func(context.Context, domain.DecisionRequest) (*domain.Decision, error) {
	return func(context.Context, domain.DecisionRequest) (*domain.Decision, error) {
		return nil, err
	}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// --- Tool fakes ---

func peopleSnapshot(version uint64) *domain.ToolSnapshot {
	var tools []domain.ToolDescriptor
	for _, name := range []string{"add_data", "read_data", "update_data", "delete_data"} {
		tools = append(tools, domain.ToolDescriptor{
			Name:       name,
			Schema:     json.RawMessage(`{"type":"object"}`),
			Provider:   "people",
			RemoteName: name,
		})
	}
	return domain.NewToolSnapshot(version, time.Now(), tools)
}

// fakeRegistry hands out a fixed sequence of snapshots, one per Discover.
type fakeRegistry struct {
	mu          sync.Mutex
	current     *domain.ToolSnapshot
	next        []*domain.ToolSnapshot
	stale       bool
	discoverErr error
	discovers   int
}

func (r *fakeRegistry) Discover(context.Context) ([]domain.ToolDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovers++
	if r.discoverErr != nil {
		return nil, r.discoverErr
	}
	if len(r.next) > 0 {
		r.current = r.next[0]
		r.next = r.next[1:]
	}
	r.stale = false
	return r.current.Tools(), nil
}

func (r *fakeRegistry) ListCached() []domain.ToolDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Tools()
}

func (r *fakeRegistry) Snapshot() *domain.ToolSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *fakeRegistry) Stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

func (r *fakeRegistry) discoverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovers
}

// fakeChannel records invocations; handler decides each outcome.
type fakeChannel struct {
	mu      sync.Mutex
	invoked []domain.ToolCall
	handler func(ctx context.Context, call domain.ToolCall) (*domain.ToolResult, error)
}

func (c *fakeChannel) Invoke(ctx context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	c.mu.Lock()
	c.invoked = append(c.invoked, call)
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return okResult(call, "true"), nil
	}
	return h(ctx, call)
}

func (c *fakeChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.invoked))
	for i, call := range c.invoked {
		out[i] = call.Name
	}
	return out
}

func okResult(call domain.ToolCall, texts ...string) *domain.ToolResult {
	res := &domain.ToolResult{ToolCallID: call.ID, ToolName: call.Name}
	for _, t := range texts {
		res.Content = append(res.Content, domain.TextFragment(t))
	}
	return res
}

// --- Event recording ---

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.TurnEvent
}

func (r *eventRecorder) sink(ev domain.TurnEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []domain.TurnEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TurnEvent(nil), r.events...)
}

// summary renders events as "kind:tool" for order assertions.
func summary(events []domain.TurnEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		prefix := "S"
		if ev.Kind == domain.ToolCallCompleted {
			prefix = "C"
		}
		out[i] = prefix + ":" + ev.ToolName
	}
	return out
}

// recordingBus is a synchronous EventBus.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func() { return func() {} }
func (b *recordingBus) Close() {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// --- Agent construction ---

func newTestAgent(engine domain.DecisionEngine, registry *fakeRegistry, channel *fakeChannel, opts ...func(*AgentDeps)) *Agent {
	deps := AgentDeps{
		Engine:        engine,
		Registry:      registry,
		Channel:       channel,
		Logger:        newTestLogger(),
		Directive:     "You manage a people database.",
		MaxIterations: 10,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewAgent(deps)
}
