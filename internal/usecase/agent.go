package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
	"dbagent/internal/infra/tracer"
)

const defaultMaxIterations = 10

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	Engine   domain.DecisionEngine
	Registry domain.ToolRegistry
	Channel  domain.InvocationChannel
	Logger   *slog.Logger
	Bus      domain.EventBus // optional, nil = no lifecycle events

	Directive         string
	MaxIterations     int
	TurnTimeout       time.Duration // 0 = bounded by the caller only
	ParallelToolCalls bool
	TransportErrors   string // config.TransportErrorsFail (default) or config.TransportErrorsNarrate
	RefreshEachTurn   bool
}

// Agent drives turns: decide, invoke tools, feed results back, answer.
// One Agent serves any number of sessions concurrently.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.TransportErrors == "" {
		deps.TransportErrors = config.TransportErrorsFail
	}
	return &Agent{deps: deps}
}

type turnOptions struct {
	sink func(domain.TurnEvent)
}

// TurnOption configures a single SubmitTurn call.
type TurnOption func(*turnOptions)

// WithEventSink observes the turn's events synchronously, in order. The
// sink runs on the turn's goroutine and must not block for long.
func WithEventSink(sink func(domain.TurnEvent)) TurnOption {
	return func(o *turnOptions) { o.sink = sink }
}

// SubmitTurn runs one turn to completion and returns the final answer.
func (a *Agent) SubmitTurn(ctx context.Context, sess *Session, text string, opts ...TurnOption) (string, error) {
	var o turnOptions
	for _, opt := range opts {
		opt(&o)
	}
	return a.runTurn(ctx, sess, text, o.sink)
}

// StartTurn runs one turn in the background. The returned stream yields
// the turn's events and, separately, its answer.
func (a *Agent) StartTurn(ctx context.Context, sess *Session, text string) *TurnStream {
	stream := newTurnStream()
	go func() {
		answer, err := a.runTurn(ctx, sess, text, stream.push)
		stream.resolve(answer, err)
	}()
	return stream
}

// turn is the working state of one turn. Nothing in it reaches the
// session until the turn resolves.
type turn struct {
	id   string
	sess *Session
	sink func(domain.TurnEvent)

	emitMu sync.Mutex
	seq    int

	user     domain.Message
	staged   []domain.Message
	thinking string
}

func (t *turn) emit(ev domain.TurnEvent) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.seq++
	ev.Seq = t.seq
	ev.TurnID = t.id
	ev.SessionID = t.sess.ID
	ev.Timestamp = time.Now()
	if t.sink != nil {
		t.sink(ev)
	}
}

func (t *turn) stage(msgs ...domain.Message) {
	t.staged = append(t.staged, msgs...)
}

func (a *Agent) runTurn(ctx context.Context, sess *Session, text string, sink func(domain.TurnEvent)) (answer string, err error) {
	if a.deps.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.TurnTimeout)
		defer cancel()
	}

	now := time.Now()
	t := &turn{
		id:   generateULID(now),
		sess: sess,
		sink: sink,
		user: domain.Message{Role: domain.RoleUser, Content: text, Timestamp: now},
	}

	ctx, span := tracer.StartSpan(ctx, "agent.turn",
		trace.WithAttributes(
			tracer.StringAttr("session.id", sess.ID),
			tracer.StringAttr("turn.id", t.id),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	unlock, err := sess.turn.lock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()
	sess.touch()

	logger := a.deps.Logger.With("session_id", sess.ID, "turn_id", t.id)
	publishEvent(a.deps.Bus, ctx, domain.EventTurnStarted, sess.ID, TurnPayload{TurnID: t.id})

	answer, err = a.loop(ctx, t, sess.Messages(), logger)
	if err != nil {
		kept := completedExchanges(t.staged)
		if len(kept) > 0 {
			sess.commit(append([]domain.Message{t.user}, kept...), "")
		}
		logger.Warn("turn failed", "error", err, "committed", len(kept))
		publishEvent(a.deps.Bus, context.WithoutCancel(ctx), domain.EventTurnFailed, sess.ID,
			TurnPayload{TurnID: t.id, Error: err.Error()})
		return "", err
	}

	sess.commit(append([]domain.Message{t.user}, t.staged...), t.thinking)
	logger.Info("turn completed", "messages", 1+len(t.staged))
	publishEvent(a.deps.Bus, ctx, domain.EventTurnCompleted, sess.ID, TurnPayload{TurnID: t.id})
	return answer, nil
}

func (a *Agent) loop(ctx context.Context, t *turn, history []domain.Message, logger *slog.Logger) (string, error) {
	snap, err := a.snapshot(ctx, logger)
	if err != nil {
		return "", err
	}

	for i := 0; i < a.deps.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		req := domain.DecisionRequest{
			Directive: a.deps.Directive,
			History:   t.transcript(history),
			Tools:     snap,
		}
		dec, err := a.deps.Engine.Decide(ctx, req)
		if err != nil {
			return "", err
		}
		if dec.Message.Thinking != "" {
			t.thinking = dec.Message.Thinking
		}

		if dec.Kind == domain.DecisionAnswer {
			t.stage(dec.Message)
			return dec.Answer, nil
		}

		logger.Debug("invoking tools", "iteration", i, "tool_calls", len(dec.Calls))
		t.stage(dec.Message)
		if a.deps.ParallelToolCalls && len(dec.Calls) > 1 {
			err = a.invokeParallel(ctx, t, dec.Calls)
		} else {
			err = a.invokeSequential(ctx, t, dec.Calls)
		}
		if err != nil {
			return "", err
		}
	}

	return "", domain.Classify(domain.ErrDecision, domain.ErrMaxIterations)
}

// snapshot returns the tool snapshot for this turn, discovering first when
// there is none, the registry is stale, or every turn refreshes.
func (a *Agent) snapshot(ctx context.Context, logger *slog.Logger) (*domain.ToolSnapshot, error) {
	reg := a.deps.Registry
	snap := reg.Snapshot()
	if snap != nil && !reg.Stale() && !a.deps.RefreshEachTurn {
		return snap, nil
	}

	if _, err := reg.Discover(ctx); err != nil {
		if snap == nil || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn("tool rediscovery failed, using cached tools",
			"error", err, "version", snap.Version)
		return snap, nil
	}
	return reg.Snapshot(), nil
}

func (t *turn) transcript(history []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history)+1+len(t.staged))
	out = append(out, history...)
	out = append(out, t.user)
	return append(out, t.staged...)
}

func (a *Agent) invokeSequential(ctx context.Context, t *turn, calls []domain.ToolCall) error {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.emitStarted(ctx, t, call)
		res, err := a.invoke(ctx, t, call)
		if err != nil {
			return err
		}
		t.stage(domain.ToolMessage(res))
	}
	return nil
}

// invokeParallel runs one batch concurrently. Started events follow request
// order, completed events follow completion order, and tool messages are
// staged in request order.
func (a *Agent) invokeParallel(ctx context.Context, t *turn, calls []domain.ToolCall) error {
	results := make([]*domain.ToolResult, len(calls))
	errs := make([]error, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			break
		}
		a.emitStarted(ctx, t, call)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = a.invoke(ctx, t, call)
		}()
	}
	wg.Wait()

	var first error
	for i := range calls {
		if errs[i] != nil {
			if first == nil {
				first = errs[i]
			}
			continue
		}
		if results[i] != nil {
			t.stage(domain.ToolMessage(results[i]))
		}
	}
	return first
}

func (a *Agent) emitStarted(ctx context.Context, t *turn, call domain.ToolCall) {
	t.emit(domain.TurnEvent{
		Kind:       domain.ToolCallStarted,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
	})
	publishEvent(a.deps.Bus, ctx, domain.EventToolCallStarted, t.sess.ID, ToolCallPayload{
		TurnID: t.id, ToolCallID: call.ID, Tool: call.Name,
	})
}

// invoke sends one call and emits its completion. A nil error always comes
// with a result; the result may be errored.
func (a *Agent) invoke(ctx context.Context, t *turn, call domain.ToolCall) (res *domain.ToolResult, err error) {
	ctx, span := tracer.StartSpan(ctx, "agent.tool."+call.Name,
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	res, err = a.deps.Channel.Invoke(ctx, call)
	switch {
	case err == nil:
		span.SetAttributes(tracer.BoolAttr("tool.is_error", res.IsError))

	case errors.Is(err, domain.ErrToolNotFound):
		// The snapshot changed between decision and invocation.
		err = domain.Classify(domain.ErrDecision, err)

	case errors.Is(err, domain.ErrTransport) && a.deps.TransportErrors == config.TransportErrorsNarrate:
		a.deps.Logger.Warn("tool transport failure narrated",
			"session_id", t.sess.ID, "tool", call.Name, "error", err)
		res = domain.ErrorResult(call, "transport failure: "+err.Error())
		a.emitCompleted(ctx, t, call, res, err)
		return res, nil
	}

	a.emitCompleted(ctx, t, call, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Agent) emitCompleted(ctx context.Context, t *turn, call domain.ToolCall, res *domain.ToolResult, err error) {
	ev := domain.TurnEvent{
		Kind:       domain.ToolCallCompleted,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     res,
		IsError:    err != nil || (res != nil && res.IsError),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	t.emit(ev)
	publishEvent(a.deps.Bus, context.WithoutCancel(ctx), domain.EventToolCallCompleted, t.sess.ID, ToolCallPayload{
		TurnID: t.id, ToolCallID: call.ID, Tool: call.Name, IsError: ev.IsError,
	})
}

// completedExchanges returns the tool exchanges of a failed turn that ran
// to completion: each assistant message trimmed to the calls that have a
// result, followed by those results. Everything else is dropped.
func completedExchanges(staged []domain.Message) []domain.Message {
	var out []domain.Message
	for i := 0; i < len(staged); i++ {
		msg := staged[i]
		if msg.Role != domain.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}

		j := i + 1
		answered := make(map[string]bool)
		for j < len(staged) && staged[j].Role == domain.RoleTool {
			answered[staged[j].ToolCallID] = true
			j++
		}
		if len(answered) > 0 {
			trimmed := msg
			trimmed.ToolCalls = nil
			for _, c := range msg.ToolCalls {
				if answered[c.ID] {
					trimmed.ToolCalls = append(trimmed.ToolCalls, c)
				}
			}
			out = append(out, trimmed)
			out = append(out, staged[i+1:j]...)
		}
		i = j - 1
	}
	return out
}
