package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"dbagent/internal/domain"
	"dbagent/internal/infra/tracer"
)

// maxResponseBody caps what is read from a model server.
const maxResponseBody = 10 << 20

// orDefault returns v unless it is the zero value.
func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// chatEndpoint is one wire dialect: where a chat request goes, the headers
// it needs and how the reply W becomes a decision engine response.
type chatEndpoint[W any] struct {
	provider string
	url      string
	headers  map[string]string
	decode   func(W) *domain.ChatResponse
}

// postChat sends wire to e inside an llm.chat span and decodes the reply.
func postChat[W any](ctx context.Context, client *http.Client, logger *slog.Logger, e chatEndpoint[W], model string, wire any) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat", trace.WithAttributes(
		tracer.StringAttr("llm.provider", e.provider),
		tracer.StringAttr("llm.model", model),
	))
	defer span.End()

	resp, err := exchange(ctx, client, e, wire)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	calls := len(resp.Message.ToolCalls)
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
		tracer.IntAttr("llm.tool_calls", calls),
	)
	tracer.SetOK(span)
	logger.Debug("llm chat completed",
		"provider", e.provider, "model", resp.Model,
		"tokens", resp.Usage.TotalTokens, "tool_calls", calls)
	return resp, nil
}

func exchange[W any](ctx context.Context, client *http.Client, e chatEndpoint[W], wire any) (*domain.ChatResponse, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	raw, err := doJSONRequest(ctx, client, e.url, body, e.headers)
	if err != nil {
		return nil, err
	}
	var reply W
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return e.decode(reply), nil
}

// doJSONRequest POSTs body and returns the reply. Non-200 statuses are
// mapped to domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return readReply(client, req)
}

func readReply(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, raw)
	}
	return raw, nil
}

// mapHTTPError turns a status into the sentinel the decision engine and
// breaker classify on.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, body)

	var sentinel error
	switch {
	case statusCode == http.StatusTooManyRequests:
		sentinel = domain.ErrRateLimit
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		sentinel = domain.ErrAuthInvalid
	case statusCode == http.StatusRequestEntityTooLarge:
		sentinel = domain.ErrContextOverflow
	case statusCode >= 500:
		sentinel = domain.ErrProviderFailure
	default:
		return fmt.Errorf("%s", detail)
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}
