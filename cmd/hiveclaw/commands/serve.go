package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/assistant"
)

// newServeCmd creates the `hiveclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant daemon",
		Long: `Start HiveClaw as a daemon: opens the store, reloads persisted
recurring triggers, and serves the HTTP gateway.

Examples:
  hiveclaw serve
  hiveclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	a, err := assistant.New(cfg)
	if err != nil {
		return fmt.Errorf("building assistant: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	slog.Info("HiveClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"address", cfg.Gateway.Address,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if err := a.Stop(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("shutdown complete")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the --config flag or standard locations.
func resolveConfig(cmd *cobra.Command) (*assistant.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	var (
		cfg *assistant.Config
		err error
	)
	switch {
	case configPath != "":
		cfg, err = assistant.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	default:
		if found := assistant.FindConfigFile(); found != "" {
			cfg, err = assistant.LoadConfigFromFile(found)
			if err != nil {
				return nil, fmt.Errorf("loading config from %s: %w", found, err)
			}
			slog.Info("config loaded", "path", found)
		} else {
			slog.Info("no config file found, using defaults")
			cfg = assistant.DefaultConfig()
			assistant.ResolveSecrets(cfg)
		}
	}

	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
