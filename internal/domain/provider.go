package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "ollama").
	Name() string
}

// DecisionKind tags a Decision.
type DecisionKind int

const (
	DecisionAnswer DecisionKind = iota + 1
	DecisionInvoke
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAnswer:
		return "answer"
	case DecisionInvoke:
		return "invoke"
	default:
		return "unknown"
	}
}

// DecisionRequest is everything the decision engine sees for one step.
type DecisionRequest struct {
	Directive string
	History   []Message
	Tools     *ToolSnapshot
}

// Decision is either a final answer or a batch of tool calls. Message is
// the assistant message to record in history for either kind.
type Decision struct {
	Kind    DecisionKind
	Answer  string
	Calls   []ToolCall
	Message Message
	Usage   Usage
}

// DecisionEngine maps conversation state to an answer or tool calls.
type DecisionEngine interface {
	Decide(ctx context.Context, req DecisionRequest) (*Decision, error)
}
