package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a conversation. Tool messages
// carry the originating call ID and the result's fragments verbatim.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Fragments  []ContentFragment `json:"fragments,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Thinking   string            `json:"thinking,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ToolMessage converts a tool result into a history message.
func ToolMessage(res *ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Name:       res.ToolName,
		ToolCallID: res.ToolCallID,
		Content:    res.Text(),
		Fragments:  append([]ContentFragment(nil), res.Content...),
		IsError:    res.IsError,
		Timestamp:  time.Now(),
	}
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model          string       `json:"model"`
	Messages       []Message    `json:"messages"`
	Tools          []ToolSchema `json:"tools,omitempty"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Temperature    float64      `json:"temperature,omitempty"`
	ThinkingBudget int          `json:"thinking_budget,omitempty"`
}

// ChatResponse is returned from an LLM provider.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
