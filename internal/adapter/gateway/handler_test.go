package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbagent/internal/domain"
	"dbagent/internal/usecase"
)

// --- handler test doubles ---

// scriptedLLM answers with its responses in order, then repeats the last.
type scriptedLLM struct {
	mu    sync.Mutex
	resps []domain.Message
	idx   int
}

func (s *scriptedLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.resps[s.idx]
	if s.idx < len(s.resps)-1 {
		s.idx++
	}
	return &domain.ChatResponse{Message: msg}, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }

type stubRegistry struct {
	mu        sync.Mutex
	snap      *domain.ToolSnapshot
	version   uint64
	err       error
	discovers int
}

func (r *stubRegistry) Discover(context.Context) ([]domain.ToolDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovers++
	if r.err != nil {
		return nil, r.err
	}
	r.version++
	r.snap = domain.NewToolSnapshot(r.version, time.Now(), []domain.ToolDescriptor{
		{
			Name:        "read_data",
			Description: "Read data from the people table",
			Params:      []domain.ParamSpec{{Name: "query", Type: "string"}},
			Schema:      json.RawMessage(`{"type":"object"}`),
			Provider:    "people",
			RemoteName:  "read_data",
		},
	})
	return r.snap.Tools(), nil
}

func (r *stubRegistry) ListCached() []domain.ToolDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Tools()
}

func (r *stubRegistry) Snapshot() *domain.ToolSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *stubRegistry) Stale() bool { return false }

type stubChannel struct{}

func (stubChannel) Invoke(_ context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    []domain.ContentFragment{domain.TextFragment(`[1,"Alice",30,"Engineer"]`)},
	}, nil
}

func newHandlerDeps(t *testing.T, llm domain.LLMProvider) HandlerDeps {
	t.Helper()
	logger := testLogger()
	registry := &stubRegistry{}
	engine := usecase.NewLLMDecisionEngine(llm, usecase.NewContextBuilder("test-model", 50), 0, logger)

	agent := usecase.NewAgent(usecase.AgentDeps{
		Engine:        engine,
		Registry:      registry,
		Channel:       stubChannel{},
		Logger:        logger,
		MaxIterations: 5,
	})
	return HandlerDeps{
		Agent:    agent,
		Sessions: usecase.NewSessionManager(nil, logger),
		Tools:    registry,
		Logger:   logger,
	}
}

func answerOnly(text string) *scriptedLLM {
	return &scriptedLLM{resps: []domain.Message{{Role: domain.RoleAssistant, Content: text}}}
}

func callHandler(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	return h(context.Background(), &Call{Client: &ClientInfo{Name: "test"}, Payload: json.RawMessage(payload)})
}

// --- direct handler tests ---

func TestHandlerSessionCreate(t *testing.T) {
	deps := newHandlerDeps(t, answerOnly("hi"))

	result, err := callHandler(t, sessionCreateHandler(deps), ``)
	require.NoError(t, err)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	sess, err := deps.Sessions.Get(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "gateway:test", sess.ExternalKey)

	result, err = callHandler(t, sessionCreateHandler(deps), `{"external_key":"crm"}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(result, &resp))
	sess, err = deps.Sessions.Get(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "crm", sess.ExternalKey)
}

func TestHandlerSessionResetAndDelete(t *testing.T) {
	deps := newHandlerDeps(t, answerOnly("hi"))
	sess := deps.Sessions.Create(context.Background(), "k")
	_, err := deps.Agent.SubmitTurn(context.Background(), sess, "hello")
	require.NoError(t, err)
	require.Equal(t, 2, sess.Len())

	payload := `{"session_id":"` + sess.ID + `"}`
	_, err = callHandler(t, sessionResetHandler(deps), payload)
	require.NoError(t, err)
	assert.Zero(t, sess.Len())

	result, err := callHandler(t, sessionDeleteHandler(deps), payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":true}`, string(result))

	_, err = callHandler(t, sessionDeleteHandler(deps), payload)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = callHandler(t, sessionResetHandler(deps), payload)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestHandlerInvalidPayloads(t *testing.T) {
	deps := newHandlerDeps(t, answerOnly("hi"))

	tests := []struct {
		name    string
		handler RPCHandler
		payload string
	}{
		{"reset without id", sessionResetHandler(deps), `{}`},
		{"delete malformed", sessionDeleteHandler(deps), `{"session_id":`},
		{"submit without text", turnSubmitHandler(deps), `{"session_id":"x","text":"  "}`},
		{"submit without session", turnSubmitHandler(deps), `{"text":"hi"}`},
		{"create malformed", sessionCreateHandler(deps), `[1]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callHandler(t, tt.handler, tt.payload)
			assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)
		})
	}
}

func TestHandlerTurnSubmitUnknownSession(t *testing.T) {
	deps := newHandlerDeps(t, answerOnly("hi"))
	_, err := callHandler(t, turnSubmitHandler(deps), `{"session_id":"missing","text":"hi"}`)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestHandlerToolsListDiscoversOnce(t *testing.T) {
	deps := newHandlerDeps(t, answerOnly("hi"))
	reg := deps.Tools.(*stubRegistry)

	result, err := callHandler(t, toolsListHandler(deps), ``)
	require.NoError(t, err)

	var resp toolsResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.Equal(t, uint64(1), resp.Version)
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "read_data", resp.Tools[0].Name)
	assert.Equal(t, "people", resp.Tools[0].Provider)

	_, err = callHandler(t, toolsListHandler(deps), ``)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.discovers)
}

func TestHandlerToolsRefresh(t *testing.T) {
	deps := newHandlerDeps(t, answerOnly("hi"))
	reg := deps.Tools.(*stubRegistry)

	for want := uint64(1); want <= 2; want++ {
		result, err := callHandler(t, toolsRefreshHandler(deps), ``)
		require.NoError(t, err)
		var resp toolsResponse
		require.NoError(t, json.Unmarshal(result, &resp))
		assert.Equal(t, want, resp.Version)
	}

	reg.err = domain.ErrProviderUnreachable
	_, err := callHandler(t, toolsRefreshHandler(deps), ``)
	assert.True(t, errors.Is(err, domain.ErrProviderUnreachable))
}

// --- over the wire ---

func TestGatewayTurnSubmitStreamsEvents(t *testing.T) {
	llm := &scriptedLLM{resps: []domain.Message{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "read_data", Arguments: json.RawMessage(`{}`)}}},
		{Role: domain.RoleAssistant, Content: "Alice is the only person."},
	}}
	deps := newHandlerDeps(t, llm)
	srv, addr := newTestServer(t, nil)
	RegisterDefaultHandlers(srv, deps)
	ws := dialWS(t, addr, "test-token")

	writeFrame(t, ws, Frame{Type: FrameTypeRequest, ID: 1, Method: "session.create"})
	created := readFrame(t, ws)
	require.Empty(t, created.Error)
	var sess sessionResponse
	require.NoError(t, json.Unmarshal(created.Payload, &sess))

	payload, _ := json.Marshal(turnSubmitRequest{SessionID: sess.SessionID, Text: "who is there?"})
	writeFrame(t, ws, Frame{Type: FrameTypeRequest, ID: 2, Method: "turn.submit", Payload: payload})

	var events []domain.TurnEvent
	var resp Frame
	for {
		f := readFrame(t, ws)
		if f.Type == FrameTypeResponse {
			resp = f
			break
		}
		require.Equal(t, FrameTypeEvent, f.Type)
		require.Equal(t, MethodTurnEvent, f.Method)
		require.Equal(t, uint64(2), f.ID)
		var ev domain.TurnEvent
		require.NoError(t, json.Unmarshal(f.Payload, &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 2)
	assert.Equal(t, domain.ToolCallStarted, events[0].Kind)
	assert.Equal(t, domain.ToolCallCompleted, events[1].Kind)
	assert.Equal(t, "read_data", events[1].ToolName)
	require.NotNil(t, events[1].Result)
	assert.Equal(t, `[1,"Alice",30,"Engineer"]`, events[1].Result.Text())

	require.Empty(t, resp.Error)
	assert.Equal(t, uint64(2), resp.ID)
	var answer turnSubmitResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &answer))
	assert.Equal(t, "Alice is the only person.", answer.Answer)

	s, err := deps.Sessions.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())
}

func TestGatewayTurnSubmitFailureCarriesCode(t *testing.T) {
	llm := &scriptedLLM{resps: []domain.Message{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "drop_table"}}},
	}}
	deps := newHandlerDeps(t, llm)
	srv, addr := newTestServer(t, nil)
	RegisterDefaultHandlers(srv, deps)
	ws := dialWS(t, addr, "test-token")

	sess := deps.Sessions.Create(context.Background(), "k")
	payload, _ := json.Marshal(turnSubmitRequest{SessionID: sess.ID, Text: "drop everything"})
	writeFrame(t, ws, Frame{Type: FrameTypeRequest, ID: 5, Method: "turn.submit", Payload: payload})

	resp := readFrame(t, ws)
	require.Equal(t, FrameTypeResponse, resp.Type)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, string(domain.CodeDecision), resp.Code)
	assert.Zero(t, sess.Len())
}

func TestRegisterDefaultHandlers(t *testing.T) {
	srv := NewServer(nil, newTestAuth(), "", testLogger())
	RegisterDefaultHandlers(srv, newHandlerDeps(t, answerOnly("hi")))
	assert.ElementsMatch(t, []string{
		"session.create", "session.reset", "session.delete",
		"turn.submit", "tools.list", "tools.refresh",
	}, srv.Methods())
}
