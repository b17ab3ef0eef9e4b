// Command engine runs the scalping trading engine for a fixed set of users
// and accounts against a single centralized exchange.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine         — orchestrator: wires clients, feeds, the strategy layer and recovery
//	internal/strategy       — per-(user, symbol, account) signal-confirmation and position state machine
//	internal/session        — per-user session lifecycle, spawns/stops strategy instances
//	internal/recovery       — boot-time reconciliation of previously active strategy slots
//	internal/exchange       — signed REST client plus public/private WebSocket feeds
//	internal/instrument     — cached tick size/qty step/min order qty per symbol
//	internal/marketdata     — shared public feed fanned out per interested user
//	internal/accountfeed    — per-account authenticated feed, ownership-filtered
//	internal/store          — relational order/trade/strategy-stats persistence
//	internal/risk           — per-user concurrent-position and daily-loss limits
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"bybit-scalper-engine/internal/config"
	"bybit-scalper-engine/internal/engine"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, continuing with process environment")
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BYE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config at %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create engine")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start engine")
		os.Exit(1)
	}

	logger.Info().
		Bool("demo", cfg.Demo).
		Int("users", len(cfg.Users)).
		Msg("engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	eng.Stop()
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
