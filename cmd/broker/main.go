// Command broker runs the multi-tenant action broker: an HTTP gateway
// that lets an agent's model turns discover, confirm, and dispatch REST
// and MCP operations bound to an organization's connected sources.
//
// Start the server:
//
//	broker serve --config broker.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "broker",
		Short: "Multi-tenant LLM action broker",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newSourcesCmd())
	return root
}

func newCLILogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "broker %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker HTTP server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "broker.yaml", "path to the broker's YAML configuration")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level structured logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting broker", "version", version, "commit", commit, "config", configPath)

	deps, closer, err := buildDeps(configPath, logger)
	if err != nil {
		return fmt.Errorf("build dependency graph: %w", err)
	}
	defer closer()

	cfg := deps.cfg
	server := newAPIServer(deps)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	logger.Info("broker started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.Stop(shutdownCtx)

	logger.Info("broker stopped")
	return nil
}
