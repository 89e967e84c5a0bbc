package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"dbagent/internal/domain"
	"dbagent/internal/usecase"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Agent    *usecase.Agent
	Sessions *usecase.SessionManager
	Tools    domain.ToolRegistry
	Logger   *slog.Logger
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("session.create", sessionCreateHandler(deps))
	s.RegisterHandler("session.reset", sessionResetHandler(deps))
	s.RegisterHandler("session.delete", sessionDeleteHandler(deps))
	s.RegisterHandler("turn.submit", turnSubmitHandler(deps))
	s.RegisterHandler("tools.list", toolsListHandler(deps))
	s.RegisterHandler("tools.refresh", toolsRefreshHandler(deps))
}

// decodePayload unmarshals a request payload. An absent payload leaves v
// untouched.
func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewDomainError("gateway.decode", domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

func invalidPayload(detail string) error {
	return domain.NewDomainError("gateway.decode", domain.ErrRPCInvalidPayload, detail)
}

// --- sessions ---

type sessionCreateRequest struct {
	ExternalKey string `json:"external_key,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

func sessionCreateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, call *Call) (json.RawMessage, error) {
		var req sessionCreateRequest
		if err := decodePayload(call.Payload, &req); err != nil {
			return nil, err
		}
		key := req.ExternalKey
		if key == "" {
			key = "gateway:" + call.Client.Name
		}
		sess := deps.Sessions.Create(ctx, key)
		return json.Marshal(sessionResponse{SessionID: sess.ID})
	}
}

func sessionResetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, call *Call) (json.RawMessage, error) {
		var req sessionRequest
		if err := decodePayload(call.Payload, &req); err != nil {
			return nil, err
		}
		if req.SessionID == "" {
			return nil, invalidPayload("session_id is required")
		}
		if err := deps.Sessions.Reset(ctx, req.SessionID); err != nil {
			return nil, err
		}
		return json.Marshal(sessionResponse{SessionID: req.SessionID})
	}
}

func sessionDeleteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, call *Call) (json.RawMessage, error) {
		var req sessionRequest
		if err := decodePayload(call.Payload, &req); err != nil {
			return nil, err
		}
		if req.SessionID == "" {
			return nil, invalidPayload("session_id is required")
		}
		if err := deps.Sessions.Delete(ctx, req.SessionID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"deleted": true})
	}
}

// --- turns ---

type turnSubmitRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type turnSubmitResponse struct {
	Answer string `json:"answer"`
}

// turnSubmitHandler runs a turn and relays its events to the caller as
// turn.event frames before answering.
func turnSubmitHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, call *Call) (json.RawMessage, error) {
		var req turnSubmitRequest
		if err := decodePayload(call.Payload, &req); err != nil {
			return nil, err
		}
		if req.SessionID == "" || strings.TrimSpace(req.Text) == "" {
			return nil, invalidPayload("session_id and text are required")
		}
		sess, err := deps.Sessions.Get(req.SessionID)
		if err != nil {
			return nil, err
		}

		stream := deps.Agent.StartTurn(ctx, sess, req.Text)
		defer stream.Close()

		for ev := range stream.Events() {
			if err := call.Emit(ctx, MethodTurnEvent, ev); err != nil {
				deps.Logger.Debug("gateway: turn events abandoned", "session_id", sess.ID, "error", err)
				break
			}
		}

		answer, err := stream.Result(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(turnSubmitResponse{Answer: answer})
	}
}

// --- tools ---

type toolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Provider    string             `json:"provider"`
	Params      []domain.ParamSpec `json:"params"`
}

type toolsResponse struct {
	Version   uint64     `json:"version"`
	FetchedAt time.Time  `json:"fetched_at"`
	Tools     []toolInfo `json:"tools"`
}

func snapshotResponse(snap *domain.ToolSnapshot) (json.RawMessage, error) {
	resp := toolsResponse{Tools: []toolInfo{}}
	if snap != nil {
		resp.Version = snap.Version
		resp.FetchedAt = snap.FetchedAt
		for _, d := range snap.Tools() {
			resp.Tools = append(resp.Tools, toolInfo{
				Name:        d.Name,
				Description: d.Description,
				Provider:    d.Provider,
				Params:      d.Params,
			})
		}
	}
	return json.Marshal(resp)
}

// toolsListHandler returns the cached snapshot, discovering once if there
// is none yet.
func toolsListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Call) (json.RawMessage, error) {
		if deps.Tools.Snapshot() == nil {
			if _, err := deps.Tools.Discover(ctx); err != nil {
				return nil, err
			}
		}
		return snapshotResponse(deps.Tools.Snapshot())
	}
}

func toolsRefreshHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Call) (json.RawMessage, error) {
		if _, err := deps.Tools.Discover(ctx); err != nil {
			return nil, err
		}
		return snapshotResponse(deps.Tools.Snapshot())
	}
}
