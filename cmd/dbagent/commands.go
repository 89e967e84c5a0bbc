package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dbagent/internal/adapter/gateway"
	"dbagent/internal/adapter/tui/chat"
	"dbagent/internal/infra/config"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, runChat)
	},
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve sessions and turns over the WebSocket gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, runGateway)
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Discover and list the tools offered by the configured servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.tools.Registry.Discover(ctx); err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			chat.PrintTools(cmd.OutOrStdout(), a.tools.Registry.Snapshot())
			return nil
		})
	},
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt <value>",
	Short: "Encrypt a config secret with the key in DBAGENT_CONFIG_KEY",
	Long: `Encrypt a secret for config.yaml. Paste the printed "enc:..." value in
place of an api_key, a gateway token or a tool server env value. The same
DBAGENT_CONFIG_KEY must be set when the config is loaded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := encryptSecret(args[0], os.Getenv(config.EnvPrefix+"CONFIG_KEY"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func runChat(ctx context.Context, a *app) error {
	if err := a.startReaper(ctx); err != nil {
		return err
	}
	if a.cfg.Gateway.Enabled {
		srv, err := newGatewayServer(a)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				a.log.Error("gateway server error", "error", err)
			}
		}()
	}
	repl := chat.New(chat.Options{
		Agent:    a.agent,
		Sessions: a.sessions,
		Tools:    a.tools.Registry,
		Logger:   a.log,
		In:       os.Stdin,
		Out:      os.Stdout,
		Markdown: term.IsTerminal(int(os.Stdout.Fd())),
	})
	return repl.Run(ctx)
}

func runGateway(ctx context.Context, a *app) error {
	if err := a.startReaper(ctx); err != nil {
		return err
	}
	srv, err := newGatewayServer(a)
	if err != nil {
		return err
	}

	// Warm the tool cache so the first turn does not pay for discovery.
	if _, err := a.tools.Registry.Discover(ctx); err != nil {
		a.log.Warn("initial tool discovery failed", "error", err)
	}
	return srv.Start(ctx)
}

func newGatewayServer(a *app) (*gateway.Server, error) {
	if len(a.cfg.Gateway.Tokens) == 0 {
		return nil, errors.New("gateway: no tokens configured (gateway.tokens or DBAGENT_GATEWAY_TOKENS)")
	}
	srv := gateway.NewServer(a.bus, gateway.NewStaticTokenAuth(a.cfg.Gateway.Tokens), a.cfg.Gateway.Addr, a.log)
	deps := gateway.HandlerDeps{
		Agent:    a.agent,
		Sessions: a.sessions,
		Tools:    a.tools.Registry,
		Logger:   a.log,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps, a.bus)
	return srv, nil
}

func encryptSecret(value, passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("%sCONFIG_KEY is not set", config.EnvPrefix)
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("value must not be empty")
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return "enc:" + enc, nil
}
