package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
	"dbagent/internal/infra/tracer"
)

// Channel sends tool invocations to the provider that owns each tool. It
// implements domain.InvocationChannel.
type Channel struct {
	registry *Registry
	timeout  time.Duration
	validate bool
	limiter  *rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[*domain.ToolResult]
	logger   *slog.Logger
}

// NewChannel creates a channel over the registry's providers.
func NewChannel(registry *Registry, cfg config.ToolsConfig, logger *slog.Logger) *Channel {
	c := &Channel{
		registry: registry,
		timeout:  cfg.CallTimeout,
		validate: cfg.ValidateArguments,
		limiter:  newLimiter(cfg.RateLimit),
		logger:   logger,
	}
	if cfg.CircuitBreaker.Enabled {
		c.breakers = make(map[string]*gobreaker.CircuitBreaker[*domain.ToolResult])
		for _, p := range registry.Providers() {
			c.breakers[p.Name()] = newBreaker(p.Name(), cfg.CircuitBreaker, logger)
		}
	}
	return c
}

// Invoke runs one tool call. Failures the provider reports come back as an
// errored result; only transport failures, unknown tools and cancellation
// are returned as errors.
func (c *Channel) Invoke(ctx context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.invoke",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	res, err := c.invoke(ctx, call)
	if res != nil {
		span.SetAttributes(tracer.BoolAttr("tool.is_error", res.IsError))
	}
	tracer.Finish(span, err)
	return res, err
}

func (c *Channel) invoke(ctx context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	desc, provider, schema, ok := c.registry.resolve(call.Name)
	if !ok {
		return nil, domain.NewDomainError("Channel.Invoke", domain.ErrToolNotFound, call.Name)
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return domain.ErrorResult(call, err.Error()), nil
	}
	if c.validate {
		if msg := validateArgs(schema, args); msg != "" {
			c.logger.Debug("tool arguments rejected", "tool", call.Name, "error", msg)
			return domain.ErrorResult(call, msg), nil
		}
	}

	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	send := func() (*domain.ToolResult, error) {
		return c.send(ctx, provider, desc, call, args)
	}

	var res *domain.ToolResult
	if b, ok := c.breakers[provider.Name()]; ok {
		res, err = b.Execute(send)
		err = breakerError(provider.Name(), err)
	} else {
		res, err = send()
	}
	if err != nil {
		return nil, err
	}

	out := &domain.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    res.IsError,
		Content:    append([]domain.ContentFragment(nil), res.Content...),
	}
	return out, nil
}

// send performs the provider call under the per-call timeout and sorts its
// failure into cancellation, transport failure or an errored result.
func (c *Channel) send(ctx context.Context, provider domain.ToolProvider, desc domain.ToolDescriptor,
	call domain.ToolCall, args map[string]any) (*domain.ToolResult, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := provider.CallTool(callCtx, desc.RemoteName, args)
	elapsed := time.Since(start)

	switch {
	case err == nil && res == nil:
		return nil, fmt.Errorf("%w: %s/%s returned no result", domain.ErrTransport, provider.Name(), desc.RemoteName)
	case err == nil:
		c.logger.Debug("tool call completed",
			"tool", call.Name, "provider", provider.Name(), "is_error", res.IsError, "duration", elapsed)
		return res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s/%s: no response within %s: %w",
			domain.ErrTransport, provider.Name(), desc.RemoteName, c.timeout, domain.ErrTimeout)
	case errors.Is(err, domain.ErrTransport):
		return nil, err
	case isTransportError(err):
		return nil, fmt.Errorf("%w: %s/%s: %w", domain.ErrTransport, provider.Name(), desc.RemoteName, err)
	default:
		c.logger.Debug("tool call failed on provider", "tool", call.Name, "error", err)
		return domain.ErrorResult(call, err.Error()), nil
	}
}

// decodeArgs parses call arguments into the object form providers accept.
// Empty arguments mean an empty object.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

var _ domain.InvocationChannel = (*Channel)(nil)
