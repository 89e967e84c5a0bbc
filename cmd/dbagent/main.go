package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dbagent/internal/adapter/gateway"
	"dbagent/internal/infra/config"
)

const serviceName = "dbagent"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "dbagent",
	Short: "dbagent - a tool-calling agent over MCP servers",
	Long: `dbagent drives a language model that answers by calling tools discovered
from MCP servers, by default the peopledb demo server.

Configuration is read from --config (default ./config.yaml, or $DBAGENT_CONFIG).
DBAGENT_* environment variables override file values.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file path")
	rootCmd.AddCommand(chatCmd, gatewayCmd, toolsCmd, encryptCmd, doctorCmd)
}

func main() {
	gateway.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// withApp wires the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}
