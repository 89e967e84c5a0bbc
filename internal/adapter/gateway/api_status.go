package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"dbagent/internal/domain"
	"dbagent/internal/usecase"
)

// Version is reported by the status endpoint.
var Version = "dev"

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Agent    AgentStatus   `json:"agent"`
	Sessions SessionStatus `json:"sessions"`
	Turns    TurnStatus    `json:"turns"`
	Tools    ToolStatus    `json:"tools"`
}

// AgentStatus holds agent overview info.
type AgentStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Active int   `json:"active"`
	Total  int64 `json:"total"`
}

// TurnStatus holds turn counters.
type TurnStatus struct {
	Total  int64 `json:"total"`
	Failed int64 `json:"failed"`
}

// ToolStatus holds tool usage stats.
type ToolStatus struct {
	Registered      int    `json:"registered"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	CallsTotal      int64  `json:"calls_total"`
	ErrorsTotal     int64  `json:"errors_total"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	TurnsTotal       atomic.Int64
	TurnsFailed      atomic.Int64
	ToolCallsTotal   atomic.Int64
	ToolErrorsTotal  atomic.Int64
	SessionsTotal    atomic.Int64
	DiscoveriesTotal atomic.Int64
}

// Observe updates the counters from a bus event.
func (m *Metrics) Observe(_ context.Context, e domain.Event) {
	switch e.Type {
	case domain.EventTurnStarted:
		m.TurnsTotal.Add(1)
	case domain.EventTurnFailed:
		m.TurnsFailed.Add(1)
	case domain.EventToolCallCompleted:
		m.ToolCallsTotal.Add(1)
		var p usecase.ToolCallPayload
		if json.Unmarshal(e.Payload, &p) == nil && p.IsError {
			m.ToolErrorsTotal.Add(1)
		}
	case domain.EventSessionCreated:
		m.SessionsTotal.Add(1)
	case domain.EventToolsDiscovered:
		m.DiscoveriesTotal.Add(1)
	}
}

// RegisterRESTHandlers adds the token-protected status and metrics routes.
// bus may be nil, in which case the counters stay at zero.
func RegisterRESTHandlers(s *Server, deps HandlerDeps, bus domain.EventBus) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}
	if bus != nil {
		bus.SubscribeAll(metrics.Observe)
	}

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(tokenFromRequest(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))
	return metrics
}

func toolCounts(tools domain.ToolRegistry) (registered int, version uint64) {
	if tools == nil {
		return 0, 0
	}
	snap := tools.Snapshot()
	if snap == nil {
		return 0, 0
	}
	return snap.Len(), snap.Version
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		registered, version := toolCounts(deps.Tools)
		resp := StatusResponse{
			Agent: AgentStatus{
				Name:          "dbagent",
				Version:       Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Sessions: SessionStatus{
				Active: len(deps.Sessions.List()),
				Total:  metrics.SessionsTotal.Load(),
			},
			Turns: TurnStatus{
				Total:  metrics.TurnsTotal.Load(),
				Failed: metrics.TurnsFailed.Load(),
			},
			Tools: ToolStatus{
				Registered:      registered,
				SnapshotVersion: version,
				CallsTotal:      metrics.ToolCallsTotal.Load(),
				ErrorsTotal:     metrics.ToolErrorsTotal.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
