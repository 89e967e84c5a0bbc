package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dbagent/internal/infra/config"
	"dbagent/internal/infra/logger"
	"dbagent/internal/infra/tracer"
	"dbagent/internal/usecase"
	"dbagent/internal/usecase/eventbus"
)

// app is the wired process: config, ambient services and the agent.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	llm      *LLMComponents
	tools    *ToolComponents
	agent    *usecase.Agent
	sessions *usecase.SessionManager

	cleanups []func()
}

// newApp loads the config and wires every component. Close releases them
// in reverse order.
func newApp(ctx context.Context, cfgPath string) (*app, error) {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &app{cfg: cfg}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, serviceName)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.onClose(func() { logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, serviceName)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracerShutdown(shutdownCtx)
	})

	// 3. Event bus
	a.bus = eventbus.New(log)
	a.onClose(a.bus.Close)

	// 4. LLM providers
	a.llm, err = initLLM(cfg, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}

	// 5. Tool servers
	a.tools, err = initTools(ctx, cfg.Tools, a.bus, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tools: %w", err)
	}
	a.onClose(func() {
		if err := a.tools.Registry.Close(); err != nil {
			log.Warn("close tool servers", "error", err)
		}
	})

	// 6. Sessions & agent
	a.sessions = usecase.NewSessionManager(a.bus, log)
	a.agent = usecase.NewAgent(usecase.AgentDeps{
		Engine:            a.llm.Engine,
		Registry:          a.tools.Registry,
		Channel:           a.tools.Channel,
		Logger:            log,
		Bus:               a.bus,
		Directive:         cfg.Agent.SystemPrompt,
		MaxIterations:     cfg.Agent.MaxIterations,
		TurnTimeout:       cfg.Agent.TurnTimeout,
		ParallelToolCalls: cfg.Agent.ParallelToolCalls,
		TransportErrors:   cfg.Agent.TransportErrors,
		RefreshEachTurn:   cfg.Tools.RefreshEachTurn,
	})

	log.Info("dbagent ready",
		"provider", cfg.LLM.DefaultProvider,
		"tool_servers", len(cfg.Tools.Servers),
		"parallel_tool_calls", cfg.Agent.ParallelToolCalls,
		"transport_errors", cfg.Agent.TransportErrors,
	)
	return a, nil
}

// startReaper runs the idle-session reaper when sessions.idle_ttl is set.
func (a *app) startReaper(ctx context.Context) error {
	if a.cfg.Sessions.IdleTTL <= 0 {
		return nil
	}
	reaper, err := usecase.NewSessionReaper(a.sessions, a.cfg.Sessions.IdleTTL, a.cfg.Sessions.ReapSchedule, a.log)
	if err != nil {
		return err
	}
	reaper.Start(ctx)
	a.onClose(reaper.Stop)
	return nil
}

func (a *app) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// Close runs the registered cleanups, newest first.
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
