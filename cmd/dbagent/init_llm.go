package main

import (
	"fmt"
	"log/slog"

	"dbagent/internal/adapter/llm"
	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
	"dbagent/internal/usecase"
)

// LLMComponents holds the decision-side components.
type LLMComponents struct {
	Registry *llm.Registry
	Default  domain.LLMProvider
	Engine   *usecase.LLMDecisionEngine
}

// initLLM builds every configured provider and the decision engine over the
// default one.
func initLLM(cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry, err := llm.FromConfig(cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	if cfg.LLM.CircuitBreaker.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cfg.LLM.CircuitBreaker.MaxFailures,
			"timeout", cfg.LLM.CircuitBreaker.Timeout,
			"interval", cfg.LLM.CircuitBreaker.Interval,
		)
	}

	provider, err := registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}

	pc, _ := findProvider(cfg)
	builder := usecase.NewContextBuilder(pc.Model, cfg.Agent.MaxHistory)
	builder.SetSampling(pc.MaxTokens, pc.Temperature)
	builder.SetThinkingBudget(pc.ThinkingBudget)

	return &LLMComponents{
		Registry: registry,
		Default:  provider,
		Engine:   usecase.NewLLMDecisionEngine(provider, builder, cfg.Agent.DecisionTimeout, log),
	}, nil
}
