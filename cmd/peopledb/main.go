// Command peopledb serves a SQLite people table as MCP tools.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dbagent/internal/adapter/peopledb"
	"dbagent/internal/infra/config"
	"dbagent/internal/infra/logger"
)

var (
	serverType string
	dbPath     string
	addr       string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "peopledb",
	Short: "MCP server exposing add/read/update/delete over a SQLite people table",
	Args:  cobra.NoArgs,
	// Logs always go to stderr: with --server_type stdio, stdout carries
	// the protocol.
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, closeLog, err := logger.New(config.LoggerConfig{Level: logLevel, Format: "text", Output: "stderr"}, "peopledb")
		if err != nil {
			return err
		}
		defer closeLog()

		store, err := peopledb.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer store.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log.Info("peopledb starting", "server_type", serverType, "db", dbPath, "addr", addr)
		s := peopledb.NewServer(store, log)
		if err := peopledb.Serve(ctx, s, serverType, addr, os.Stdin, os.Stdout); err != nil {
			return err
		}
		log.Info("peopledb stopped")
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&serverType, "server_type", peopledb.TransportSSE, "transport: sse, stdio or http")
	f.StringVar(&dbPath, "db", "demo.db", "SQLite database file")
	f.StringVar(&addr, "addr", ":8000", "listen address for sse and http")
	f.StringVar(&logLevel, "log_level", "info", "log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
