package usecase

import (
	"context"
	"encoding/json"
	"time"

	"dbagent/internal/domain"
)

// publishEvent publishes a lifecycle event if a bus is configured.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

// TurnPayload is the payload of turn.* bus events.
type TurnPayload struct {
	TurnID string `json:"turn_id"`
	Error  string `json:"error,omitempty"`
}

// ToolCallPayload is the payload of tool.call.* bus events. Arguments and
// results stay on the turn event stream.
type ToolCallPayload struct {
	TurnID     string `json:"turn_id"`
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	IsError    bool   `json:"is_error,omitempty"`
}
