package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timegateapp/timegate/internal/api"
	"github.com/timegateapp/timegate/internal/browser"
	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/config"
	"github.com/timegateapp/timegate/internal/countdown"
	"github.com/timegateapp/timegate/internal/guard"
	"github.com/timegateapp/timegate/internal/matcher"
	"github.com/timegateapp/timegate/internal/metrics"
	"github.com/timegateapp/timegate/internal/quota"
	"github.com/timegateapp/timegate/internal/rollover"
	"github.com/timegateapp/timegate/internal/session"
	"github.com/timegateapp/timegate/internal/storage"
	"github.com/timegateapp/timegate/internal/storage/bolt"
	"github.com/timegateapp/timegate/internal/storage/rediskv"
	"github.com/timegateapp/timegate/internal/systemd"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the timegate daemon",
	Long:  `Run the timegate daemon: storage, session state machine, countdown, navigation guard, midnight rollover, command API, and metrics.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting timegate")

	ctx := context.Background()

	// Open storage backend
	kv, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// Quota store over the KV substrate
	clk := clock.RealClock{}
	store := quota.NewStore(kv, clk, logger)
	if err := store.InitializeStorage(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage roots: %w", err)
	}

	// Session machinery
	screens := session.Screens{
		SessionStart: cfg.Screens.SessionStart,
		Reflection:   cfg.Screens.Reflection,
	}
	m := matcher.New()
	registry := browser.NewRegistry(logger)
	machine := session.NewMachine(store, registry, m, screens, logger)

	ticker := countdown.New(machine, time.Second, logger)
	watchCancel := ticker.WatchSessions(kv)
	defer watchCancel()

	navGuard := guard.New(store, m, screens, ticker.Start, logger)

	// Reconcile any session persisted before the last shutdown
	resume, err := machine.RestoreOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore session state: %w", err)
	}
	if resume {
		ticker.Start()
	}

	// Midnight rollover
	pollInterval := parseDuration(cfg.Rollover.PollInterval, time.Minute)
	scheduler := rollover.NewScheduler(machine, clk, pollInterval, logger)
	scheduler.Start()

	// Socket activation
	sockets, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to query systemd sockets: %w", err)
	}

	// Command API
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, machine, navGuard, registry, ticker, m, logger)
	if sockets.API != nil {
		apiServer.SetListener(sockets.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	logger.Info().Str("addr", apiAddr).Msg("API server started")

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sockets.Metrics != nil {
		metricsServer.SetListener(sockets.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger.Info().Str("addr", metricsAddr).Msg("Metrics server started")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}
	logger.Info().Msg("Timegate startup complete")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	_ = systemd.NotifyStopping()

	scheduler.Stop()
	ticker.Stop()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("Timegate stopped")
	return nil
}

// openStorage opens the configured KV backend.
func openStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.KV, error) {
	switch cfg.Type {
	case "redis":
		return rediskv.Open(cfg.Redis, logger)
	default:
		return bolt.Open(cfg.Path)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
