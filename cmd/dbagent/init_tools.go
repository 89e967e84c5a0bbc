package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dbagent/internal/adapter/tool"
	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
)

// ToolComponents holds the tool-side components.
type ToolComponents struct {
	Registry *tool.Registry
	Channel  *tool.Channel
}

// initTools connects to every configured MCP server. If any server cannot
// be reached the ones already connected are closed.
func initTools(ctx context.Context, cfg config.ToolsConfig, bus domain.EventBus, log *slog.Logger) (*ToolComponents, error) {
	providers := make([]domain.ToolProvider, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		p, err := tool.Connect(ctx, srv, log)
		if err != nil {
			var errs []error
			for _, done := range providers {
				errs = append(errs, done.Close())
			}
			return nil, errors.Join(append([]error{fmt.Errorf("tool server %s: %w", srv.Name, err)}, errs...)...)
		}
		providers = append(providers, p)
	}

	registry := tool.NewRegistry(providers, cfg.DiscoveryTimeout, log)
	if bus != nil {
		registry.SetEventBus(bus)
	}
	return &ToolComponents{
		Registry: registry,
		Channel:  tool.NewChannel(registry, cfg, log),
	}, nil
}
