package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"dbagent/internal/domain"
	"dbagent/internal/infra/tracer"
)

var _ domain.DecisionEngine = (*LLMDecisionEngine)(nil)

// LLMDecisionEngine adapts a chat-completion provider to a DecisionEngine.
// It never retries; a failed call is a failed decision.
type LLMDecisionEngine struct {
	llm     domain.LLMProvider
	builder *ContextBuilder
	timeout time.Duration
	logger  *slog.Logger
}

// NewLLMDecisionEngine creates a decision engine. timeout <= 0 leaves each
// decision bounded only by the caller's context.
func NewLLMDecisionEngine(llm domain.LLMProvider, builder *ContextBuilder, timeout time.Duration, logger *slog.Logger) *LLMDecisionEngine {
	return &LLMDecisionEngine{
		llm:     llm,
		builder: builder,
		timeout: timeout,
		logger:  logger,
	}
}

// Decide asks the provider for the next step. Every failure other than
// caller cancellation is classified as ErrDecision.
func (e *LLMDecisionEngine) Decide(ctx context.Context, req domain.DecisionRequest) (*domain.Decision, error) {
	parent := ctx
	ctx, span := tracer.StartSpan(ctx, "agent.decide",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", e.llm.Name()),
			tracer.IntAttr("history.len", len(req.History)),
		),
	)
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var schemas []domain.ToolSchema
	if req.Tools != nil {
		schemas = req.Tools.Schemas()
	}
	chatReq := e.builder.Build(req.Directive, req.History, schemas)

	resp, err := e.llm.Chat(ctx, chatReq)
	if err != nil {
		if perr := parent.Err(); perr != nil {
			tracer.RecordError(span, perr)
			return nil, perr
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", domain.ErrTimeout, e.timeout, err)
		}
		err = domain.Classify(domain.ErrDecision, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	dec, err := e.interpret(resp, req.Tools)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	e.logger.Debug("decision",
		"kind", dec.Kind.String(),
		"tool_calls", len(dec.Calls),
		"tokens", resp.Usage.TotalTokens,
	)
	span.SetAttributes(
		tracer.StringAttr("decision.kind", dec.Kind.String()),
		tracer.IntAttr("decision.tool_calls", len(dec.Calls)),
	)
	tracer.SetOK(span)
	return dec, nil
}

// interpret turns a provider response into a Decision, checking every tool
// call against the snapshot the request was built from.
func (e *LLMDecisionEngine) interpret(resp *domain.ChatResponse, snap *domain.ToolSnapshot) (*domain.Decision, error) {
	msg := resp.Message
	msg.Role = domain.RoleAssistant
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
		return nil, domain.Classify(domain.ErrDecision,
			domain.NewDomainError("LLMDecisionEngine.Decide", domain.ErrEmptyResponse, e.llm.Name()))
	}

	if len(msg.ToolCalls) == 0 {
		return &domain.Decision{
			Kind:    domain.DecisionAnswer,
			Answer:  msg.Content,
			Message: msg,
			Usage:   resp.Usage,
		}, nil
	}

	calls := make([]domain.ToolCall, len(msg.ToolCalls))
	for i, c := range msg.ToolCalls {
		if snap == nil {
			return nil, domain.Classify(domain.ErrDecision,
				domain.NewDomainError("LLMDecisionEngine.Decide", domain.ErrToolNotFound, c.Name))
		}
		if _, ok := snap.Lookup(c.Name); !ok {
			return nil, domain.Classify(domain.ErrDecision,
				domain.NewDomainError("LLMDecisionEngine.Decide", domain.ErrToolNotFound, c.Name))
		}

		args, err := normalizeArguments(c.Arguments)
		if err != nil {
			return nil, domain.Classify(domain.ErrDecision,
				domain.NewDomainError("LLMDecisionEngine.Decide", domain.ErrMalformedToolCall,
					fmt.Sprintf("%s: %v", c.Name, err)))
		}

		if c.ID == "" {
			c.ID = "call_" + strings.ToLower(generateULID(time.Now()))
		}
		c.Arguments = args
		calls[i] = c
	}
	msg.ToolCalls = calls

	return &domain.Decision{
		Kind:    domain.DecisionInvoke,
		Calls:   calls,
		Message: msg,
		Usage:   resp.Usage,
	}, nil
}

// normalizeArguments requires a JSON object. Missing arguments are an
// empty object.
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	// Some local models double-encode the object as a JSON string.
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			return normalizeArguments(json.RawMessage(inner))
		}
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return json.RawMessage(trimmed), nil
}
