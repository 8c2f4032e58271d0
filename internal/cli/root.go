// Package cli implements the relay command line.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/core/config"
)

var (
	cfgPath      string
	isDebug      bool
	batchSize    int
	tickInterval time.Duration
	maxRetries   int
	retention    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Chain event relay",
	Long:  `Relay watches contract events, queues them durably and submits them in order to a consensus log.`,
	Run:   runRelay,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().IntVar(&batchSize, "batch-size", 0, "events submitted per tick")
	rootCmd.Flags().DurationVar(&tickInterval, "tick-interval", 0, "time between submission ticks")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "failed attempts before an event is dead-lettered")
	rootCmd.Flags().DurationVar(&retention, "retention", 0, "how long submitted events are kept (0 keeps them forever)")
}

// loadConfig loads, overrides and validates the configuration and sets up logging.
func loadConfig(cmd *cobra.Command) *config.AppConfig {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	applyOverrides(cmd, cfg)
	setupLogging(cfg.Logging)
	return cfg
}

func applyOverrides(cmd *cobra.Command, cfg *config.AppConfig) {
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		cfg.Relay.BatchSize = batchSize
	}
	if flags.Changed("tick-interval") {
		cfg.Relay.TickInterval = tickInterval
	}
	if flags.Changed("max-retries") {
		cfg.Relay.MaxRetries = maxRetries
	}
	if flags.Changed("retention") {
		cfg.Relay.Retention = retention
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	if isDebug {
		level = slog.LevelDebug
	} else {
		_ = level.UnmarshalText([]byte(cfg.Level))
	}

	if cfg.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return
	}
	stylelog.InitDefault(&tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
}

func runRelay(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := control.NewRelay(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize relay", "error", err)
		os.Exit(1)
	}

	slog.Info("Relay starting", "config", cfgPath)
	if err := app.Run(ctx); err != nil {
		slog.Error("Relay exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Relay stopped")
}
