// Command parley runs the Parley chat backend and its maintenance commands.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/parley/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var envFile string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Running parley with no subcommand serves.
func buildRootCmd() *cobra.Command {
	serve := buildServeCmd()
	root := &cobra.Command{
		Use:   "parley",
		Short: "Parley - chat backend with confirmable tool runs",
		Long: `Parley streams chat replies and tool runs to clients over SSE.

Tools that act on the outside world wait for the user's confirmation
before they run. Configuration comes from PARLEY_* environment variables
and an optional .env file.`,
		Version:      version,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.AddCommand(serve, buildMigrateCmd(), buildToolsCmd(), buildTokenCmd())
	return root
}

// loadConfig reads the dotenv file and the environment, then installs a JSON
// logger at the configured level.
func loadConfig() (config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
