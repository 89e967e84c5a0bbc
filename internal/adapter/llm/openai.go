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

var _ domain.LLMProvider = (*OpenAIProvider)(nil)

// OpenAIProvider speaks the chat completions dialect shared by OpenAI,
// vLLM, Ollama's /v1 and most hosted gateways.
type OpenAIProvider struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := orDefault(strings.TrimRight(cfg.BaseURL, "/"), "https://api.openai.com/v1")
	return newOpenAIProvider(cfg, baseURL, NewHTTPClient(cfg), logger)
}

func newOpenAIProvider(cfg config.ProviderConfig, baseURL string, client *http.Client, logger *slog.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      client,
		logger:      logger,
	}
}

// Chat fills unset sampling fields from the provider config and posts one
// completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req.Model = orDefault(req.Model, p.model)
	req.MaxTokens = orDefault(req.MaxTokens, p.maxTokens)
	req.Temperature = orDefault(req.Temperature, p.temperature)

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return postChat(ctx, p.client, p.logger, chatEndpoint[openaiResponse]{
		provider: p.name,
		url:      p.baseURL + "/chat/completions",
		headers:  headers,
		decode:   fromOpenAIResponse,
	}, req.Model, toOpenAIRequest(req))
}

func (p *OpenAIProvider) Name() string { return p.name }

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	Name             string           `json:"name,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
}

// openaiToolFunction has the field set of domain.ToolSchema so the two
// convert directly.
type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// openaiUsage has the field set of domain.Usage.
type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	out := openaiRequest{
		Model:     req.Model,
		Messages:  make([]openaiMessage, 0, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openaiMessageFrom(m))
	}
	for _, s := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{Type: "function", Function: openaiToolFunction(s)})
	}
	return out
}

// openaiMessageFrom converts one history message. Tool results go out as
// their joined text: this dialect has no typed media in tool messages.
func openaiMessageFrom(m domain.Message) openaiMessage {
	out := openaiMessage{Role: m.Role, Content: m.Content}
	if m.Role == domain.RoleTool {
		out.ToolCallID = m.ToolCallID
		return out
	}
	out.Name = m.Name
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openaiToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: openaiToolCallFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
		})
	}
	return out
}

func fromOpenAIResponse(resp openaiResponse) *domain.ChatResponse {
	created := time.Now()
	if resp.Created > 0 {
		created = time.Unix(resp.Created, 0)
	}
	out := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Usage:     domain.Usage(resp.Usage),
		CreatedAt: created,
	}
	if len(resp.Choices) == 0 {
		return out
	}

	reply := resp.Choices[0].Message
	out.Message = domain.Message{
		Role:      domain.RoleAssistant,
		Content:   reply.Content,
		Thinking:  reply.ReasoningContent,
		Timestamp: created,
	}
	for _, tc := range reply.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}
