package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"taskdesk/internal/config"
	"taskdesk/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the task pipeline service",
	Long: `Start the long-running service: watch the Inbox, plan and execute
incoming tasks, and gate sensitive work behind approval documents.
The service stops cleanly on SIGINT/SIGTERM.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("loaded configuration", "path", cfgPath)

	orch, err := orchestrator.New(cfg, logger, &orchestrator.SimulatedExecutor{})
	if err != nil {
		return err
	}

	if err := orch.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	snap := orch.Stats()
	logger.Info("final counters",
		"processed", snap.Processed,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"awaiting_approval", snap.AwaitingApproval)
	return nil
}

// loadOrCreateConfig loads the config file, writing the default one to the
// current directory when none exists yet.
func loadOrCreateConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = "taskdesk.json"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		if err := cfg.SaveToFile(path); err != nil {
			return nil, "", fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, path, nil
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
