package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
)

const (
	anthropicVersion          = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider speaks the Messages API. Tool results keep their image
// fragments as typed blocks, and thinking blocks land in Message.Thinking.
type AnthropicProvider struct {
	name           string
	model          string
	apiKey         string
	baseURL        string
	maxTokens      int
	thinkingBudget int
	client         *http.Client
	logger         *slog.Logger
}

func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		name:           cfg.Name,
		model:          cfg.Model,
		apiKey:         cfg.APIKey,
		baseURL:        orDefault(strings.TrimRight(cfg.BaseURL, "/"), "https://api.anthropic.com"),
		maxTokens:      cfg.MaxTokens,
		thinkingBudget: cfg.ThinkingBudget,
		client:         NewHTTPClient(cfg),
		logger:         logger,
	}
}

func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req.Model = orDefault(req.Model, p.model)
	req.MaxTokens = orDefault(req.MaxTokens, p.maxTokens)
	req.ThinkingBudget = orDefault(req.ThinkingBudget, p.thinkingBudget)

	return postChat(ctx, p.client, p.logger, chatEndpoint[anthropicResponse]{
		provider: p.name,
		url:      p.baseURL + "/v1/messages",
		headers: map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": anthropicVersion,
		},
		decode: fromAnthropicResponse,
	}, req.Model, toAnthropicRequest(req))
}

func (p *AnthropicProvider) Name() string { return p.name }

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string             `json:"type"`
	Text      string             `json:"text,omitempty"`
	Thinking  string             `json:"thinking,omitempty"`
	ID        string             `json:"id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Input     json.RawMessage    `json:"input,omitempty"`
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   []anthropicContent `json:"content,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`
	Source    *anthropicSource   `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	out := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultAnthropicMaxTokens
	}
	if req.ThinkingBudget > 0 {
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			out.System = m.Content
		case domain.RoleTool:
			out.Messages = appendToolResult(out.Messages, anthropicContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   toolResultBlocks(m),
				IsError:   m.IsError,
			})
		default:
			out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: contentBlocks(m)})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

// appendToolResult adds block to the trailing tool-result user message, or
// opens one. The API wants every result of an assistant turn in one message.
func appendToolResult(msgs []anthropicMessage, block anthropicContent) []anthropicMessage {
	if n := len(msgs); n > 0 && isToolResultMessage(msgs[n-1]) {
		msgs[n-1].Content = append(msgs[n-1].Content, block)
		return msgs
	}
	return append(msgs, anthropicMessage{Role: "user", Content: []anthropicContent{block}})
}

// contentBlocks renders a user or assistant message. An assistant message
// that only calls tools carries no text block.
func contentBlocks(m domain.Message) []anthropicContent {
	var blocks []anthropicContent
	if m.Content != "" || len(m.ToolCalls) == 0 {
		blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropicContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: json.RawMessage(orDefault(string(tc.Arguments), "{}")),
		})
	}
	return blocks
}

func isToolResultMessage(m anthropicMessage) bool {
	return m.Role == "user" && len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

// toolResultBlocks keeps the fragment sequence of a tool message, passing
// images as typed blocks.
func toolResultBlocks(m domain.Message) []anthropicContent {
	if len(m.Fragments) == 0 {
		return []anthropicContent{{Type: "text", Text: m.Content}}
	}
	blocks := make([]anthropicContent, 0, len(m.Fragments))
	for _, f := range m.Fragments {
		switch f.Kind {
		case domain.ContentText:
			blocks = append(blocks, anthropicContent{Type: "text", Text: f.Text})
		case domain.ContentImage:
			blocks = append(blocks, anthropicContent{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: f.MIMEType, Data: f.Data},
			})
		case domain.ContentResource:
			blocks = append(blocks, anthropicContent{Type: "text", Text: f.Data})
		default:
			blocks = append(blocks, anthropicContent{Type: "text", Text: "[" + string(f.Kind) + " " + f.MIMEType + "]"})
		}
	}
	return blocks
}

// fromAnthropicResponse flattens the content blocks: text blocks join into
// Content, thinking blocks into Thinking, tool_use blocks become calls.
func fromAnthropicResponse(resp anthropicResponse) *domain.ChatResponse {
	now := time.Now()
	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}

	var text, thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	msg.Content = text.String()
	msg.Thinking = thinking.String()

	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	return &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Message:   msg,
		Usage:     domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		CreatedAt: now,
	}
}

var _ domain.LLMProvider = (*AnthropicProvider)(nil)
