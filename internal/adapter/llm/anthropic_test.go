package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
)

func TestAnthropicProviderChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}

		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "directive" {
			t.Errorf("system = %q", req.System)
		}
		if req.MaxTokens != defaultAnthropicMaxTokens {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}

		json.NewEncoder(w).Encode(anthropicResponse{
			ID:    "msg_1",
			Model: "claude",
			Content: []anthropicContent{
				{Type: "thinking", Thinking: "look up the table"},
				{Type: "text", Text: "Reading "},
				{Type: "text", Text: "now."},
				{Type: "tool_use", ID: "toolu_1", Name: "read_data", Input: json.RawMessage(`{"query":"SELECT * FROM people"}`)},
			},
			Usage: anthropicUsage{InputTokens: 12, OutputTokens: 7},
		})
	}))
	defer server.Close()

	provider := NewAnthropicProvider(config.ProviderConfig{
		Name: "anthropic", BaseURL: server.URL, APIKey: "sk-ant", Model: "claude",
	}, newTestLogger())

	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "directive"},
			{Role: domain.RoleUser, Content: "list people"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "Reading now." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.Message.Thinking != "look up the table" {
		t.Errorf("Thinking = %q", resp.Message.Thinking)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "read_data" {
		t.Fatalf("ToolCalls = %+v", resp.Message.ToolCalls)
	}
	if resp.Usage.TotalTokens != 19 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropicProviderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error"}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider(config.ProviderConfig{Name: "anthropic", BaseURL: server.URL}, newTestLogger())
	_, err := provider.Chat(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid, got %v", err)
	}
}

func TestAnthropicRequestGroupsToolResults(t *testing.T) {
	req := domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleUser, Content: "add two people"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "t1", Name: "add_data", Arguments: json.RawMessage(`{"name":"A"}`)},
			{ID: "t2", Name: "add_data"},
		}},
		{Role: domain.RoleTool, ToolCallID: "t1", Content: "true"},
		{Role: domain.RoleTool, ToolCallID: "t2", Content: "no rows", IsError: true},
	}}

	got := toAnthropicRequest(req)

	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(got.Messages))
	}
	asst := got.Messages[1]
	if len(asst.Content) != 2 {
		t.Fatalf("assistant blocks = %d, want only tool_use blocks", len(asst.Content))
	}
	if string(asst.Content[1].Input) != `{}` {
		t.Errorf("empty input = %s, want {}", asst.Content[1].Input)
	}

	results := got.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool results message = %+v", results)
	}
	if results.Content[0].ToolUseID != "t1" || results.Content[1].ToolUseID != "t2" {
		t.Errorf("tool_use ids = %q, %q", results.Content[0].ToolUseID, results.Content[1].ToolUseID)
	}
	if !results.Content[1].IsError || results.Content[0].IsError {
		t.Error("is_error flags are wrong")
	}
}

func TestAnthropicRequestForwardsImages(t *testing.T) {
	req := domain.ChatRequest{Messages: []domain.Message{{
		Role:       domain.RoleTool,
		ToolCallID: "t1",
		Fragments: []domain.ContentFragment{
			domain.TextFragment("chart:"),
			{Kind: domain.ContentImage, MIMEType: "image/png", Data: "iVBORw0KGgo="},
		},
	}}}

	got := toAnthropicRequest(req)
	blocks := got.Messages[0].Content[0].Content
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "chart:" {
		t.Errorf("first block = %+v", blocks[0])
	}
	img := blocks[1]
	if img.Type != "image" || img.Source == nil || img.Source.MediaType != "image/png" || img.Source.Data != "iVBORw0KGgo=" {
		t.Errorf("image block = %+v", img)
	}
}

func TestAnthropicRequestThinkingBudget(t *testing.T) {
	got := toAnthropicRequest(domain.ChatRequest{ThinkingBudget: 2048, MaxTokens: 8192})
	if got.Thinking == nil || got.Thinking.BudgetTokens != 2048 || got.Thinking.Type != "enabled" {
		t.Errorf("thinking = %+v", got.Thinking)
	}

	body, _ := json.Marshal(toAnthropicRequest(domain.ChatRequest{}))
	var raw map[string]any
	json.Unmarshal(body, &raw)
	if _, ok := raw["thinking"]; ok {
		t.Error("thinking should be omitted without a budget")
	}
}
