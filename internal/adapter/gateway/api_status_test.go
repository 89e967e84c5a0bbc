package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dbagent/internal/domain"
	"dbagent/internal/usecase"
)

func apiTestDeps(t *testing.T) HandlerDeps {
	t.Helper()
	deps := newHandlerDeps(t, answerOnly("hi"))
	deps.Sessions.Create(context.Background(), "s1")
	deps.Sessions.Create(context.Background(), "s2")
	if _, err := deps.Tools.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	return deps
}

func TestStatusHandler_Success(t *testing.T) {
	deps := apiTestDeps(t)
	metrics := &Metrics{}
	metrics.ToolCallsTotal.Store(42)
	metrics.ToolErrorsTotal.Store(3)
	metrics.TurnsTotal.Store(7)
	metrics.TurnsFailed.Store(1)

	handler := statusHandler(deps, time.Now().Add(-60*time.Second), metrics)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Agent.Name != "dbagent" {
		t.Errorf("Agent.Name = %q", resp.Agent.Name)
	}
	if resp.Agent.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d, want >= 59", resp.Agent.UptimeSeconds)
	}
	if resp.Sessions.Active != 2 {
		t.Errorf("Sessions.Active = %d, want 2", resp.Sessions.Active)
	}
	if resp.Tools.Registered != 1 {
		t.Errorf("Tools.Registered = %d, want 1", resp.Tools.Registered)
	}
	if resp.Tools.SnapshotVersion != 1 {
		t.Errorf("Tools.SnapshotVersion = %d, want 1", resp.Tools.SnapshotVersion)
	}
	if resp.Tools.CallsTotal != 42 || resp.Tools.ErrorsTotal != 3 {
		t.Errorf("Tools = %+v", resp.Tools)
	}
	if resp.Turns.Total != 7 || resp.Turns.Failed != 1 {
		t.Errorf("Turns = %+v", resp.Turns)
	}
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	deps := apiTestDeps(t)
	handler := statusHandler(deps, time.Now(), &Metrics{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestMetricsHandler_PrometheusFormat(t *testing.T) {
	deps := apiTestDeps(t)
	metrics := &Metrics{}
	metrics.ToolCallsTotal.Store(10)
	metrics.TurnsTotal.Store(5)
	metrics.DiscoveriesTotal.Store(2)

	handler := metricsHandler(deps, time.Now().Add(-120*time.Second), metrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	for _, metric := range []string{
		"dbagent_sessions_active 2",
		"dbagent_tool_calls_total 10",
		"dbagent_turns_total 5",
		"dbagent_tools_registered 1",
		"dbagent_tool_snapshot_version 1",
		"dbagent_tool_discoveries_total 2",
		"# TYPE dbagent_turns_failed_total counter",
		"go_goroutines",
		"go_memstats_alloc_bytes",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}

func TestMetricsHandler_MethodNotAllowed(t *testing.T) {
	deps := apiTestDeps(t)
	handler := metricsHandler(deps, time.Now(), &Metrics{})

	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestMetricsObserve(t *testing.T) {
	m := &Metrics{}
	payload := func(isError bool) json.RawMessage {
		data, _ := json.Marshal(usecase.ToolCallPayload{Tool: "read_data", IsError: isError})
		return data
	}

	for _, e := range []domain.Event{
		{Type: domain.EventSessionCreated},
		{Type: domain.EventTurnStarted},
		{Type: domain.EventToolCallCompleted, Payload: payload(false)},
		{Type: domain.EventToolCallCompleted, Payload: payload(true)},
		{Type: domain.EventTurnFailed},
		{Type: domain.EventToolsDiscovered},
		{Type: domain.EventSessionReset},
	} {
		m.Observe(context.Background(), e)
	}

	if m.SessionsTotal.Load() != 1 || m.TurnsTotal.Load() != 1 || m.TurnsFailed.Load() != 1 {
		t.Errorf("session/turn counters = %d/%d/%d",
			m.SessionsTotal.Load(), m.TurnsTotal.Load(), m.TurnsFailed.Load())
	}
	if m.ToolCallsTotal.Load() != 2 || m.ToolErrorsTotal.Load() != 1 {
		t.Errorf("tool counters = %d/%d", m.ToolCallsTotal.Load(), m.ToolErrorsTotal.Load())
	}
	if m.DiscoveriesTotal.Load() != 1 {
		t.Errorf("discoveries = %d", m.DiscoveriesTotal.Load())
	}
}

func TestRESTAuthMiddleware(t *testing.T) {
	deps := apiTestDeps(t)
	bus := &testBus{}
	srv := NewServer(nil, newTestAuth(), ":0", testLogger())
	metrics := RegisterRESTHandlers(srv, deps, bus)

	if len(srv.httpRoutes) != 2 {
		t.Fatalf("expected 2 HTTP routes, got %d", len(srv.httpRoutes))
	}

	bus.Publish(context.Background(), domain.Event{Type: domain.EventTurnStarted})
	if metrics.TurnsTotal.Load() != 1 {
		t.Errorf("metrics not subscribed to the bus")
	}

	for _, route := range srv.httpRoutes {
		req := httptest.NewRequest(http.MethodGet, route.pattern, nil)
		w := httptest.NewRecorder()
		route.handler(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("route %s without token: status = %d, want 401", route.pattern, w.Code)
		}

		req = httptest.NewRequest(http.MethodGet, route.pattern, nil)
		req.Header.Set("Authorization", "Bearer test-token")
		w = httptest.NewRecorder()
		route.handler(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("route %s with bearer token: status = %d, want 200", route.pattern, w.Code)
		}

		req = httptest.NewRequest(http.MethodGet, route.pattern+"?token=test-token", nil)
		w = httptest.NewRecorder()
		route.handler(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("route %s with query token: status = %d, want 200", route.pattern, w.Code)
		}
	}
}
