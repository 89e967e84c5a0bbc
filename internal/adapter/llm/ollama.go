package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
)

var _ domain.LLMProvider = (*OllamaProvider)(nil)

// A local server connects fast but can take minutes to load a model.
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

// OllamaProvider chats through Ollama's /v1 compatibility endpoint and uses
// the native API to check which models are pulled.
type OllamaProvider struct {
	inner   *OpenAIProvider
	baseURL string // native API root, without /v1
	model   string
	client  *http.Client
}

// OllamaModel is one entry of /api/tags.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	cfg.ConnTimeout = orDefault(cfg.ConnTimeout, ollamaDefaultConnTimeout)
	cfg.RespTimeout = orDefault(cfg.RespTimeout, ollamaDefaultRespTimeout)
	// Ollama ignores keys; sending one leaks it to whatever is on the port.
	cfg.APIKey = ""

	root := strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1")
	root = orDefault(root, "http://localhost:11434")
	client := NewHTTPClient(cfg)

	return &OllamaProvider{
		inner:   newOpenAIProvider(cfg, root+"/v1", client, logger),
		baseURL: root,
		model:   cfg.Model,
		client:  client,
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.inner.Chat(ctx, req)
}

func (p *OllamaProvider) Name() string { return p.inner.Name() }

// ListModels returns the models pulled on the server.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	raw, err := readReply(p.client, req)
	if err != nil {
		return nil, err
	}

	var tags struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return tags.Models, nil
}

// HasModel reports whether the configured model is pulled. A bare name
// matches its ":latest" tag.
func (p *OllamaProvider) HasModel(ctx context.Context) (bool, error) {
	models, err := p.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := p.model
	if !strings.Contains(want, ":") {
		want += ":latest"
	}
	for _, m := range models {
		if m.Name == p.model || m.Name == want {
			return true, nil
		}
	}
	return false, nil
}
