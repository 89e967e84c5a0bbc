package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTurnStarted       EventType = "turn.started"
	EventTurnCompleted     EventType = "turn.completed"
	EventTurnFailed        EventType = "turn.failed"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventToolsDiscovered   EventType = "tools.discovered"
	EventSessionCreated    EventType = "session.created"
	EventSessionReset      EventType = "session.reset"
	EventSessionDeleted    EventType = "session.deleted"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides publish/subscribe for lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())
	SubscribeAll(handler EventHandler) (unsubscribe func())
	Close()
}

// TurnEventKind tags a TurnEvent.
type TurnEventKind string

const (
	ToolCallStarted   TurnEventKind = "tool_call_started"
	ToolCallCompleted TurnEventKind = "tool_call_completed"
)

// TurnEvent is one observable step of a turn. Started events carry the
// arguments; completed events carry the result, or Err when the invocation
// failed below the tool level.
type TurnEvent struct {
	Kind       TurnEventKind   `json:"kind"`
	Seq        int             `json:"seq"`
	TurnID     string          `json:"turn_id"`
	SessionID  string          `json:"session_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Err        string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
