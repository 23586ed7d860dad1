// Hivebot — a single-process orchestrator running many market-making
// strategies over one shared Hyperliquid connection.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — composition root: wires adapter → connector → registry → reconciler → API
//	registry/               — strategy instance lifecycle: create/update/delete, status, counters
//	scheduler/              — per-strategy tick loop with catch-up and deadline semantics
//	strategy/               — pure market making, Avellaneda-Stoikov, and cross-exchange quoting
//	connector/              — multiplexes one exchange connection across all strategies
//	reconciler/             — attributes exchange positions back to strategies, force-close
//	adapter/hyperliquid/    — REST + WebSocket adapter for Hyperliquid perps (agent-wallet signing)
//	store/                  — JSON file persistence for strategy configs (survives restarts)
//	mirror/                 — best-effort Postgres mirror of configs, stats, and positions
//	supervisor/             — registers this instance with the fleet and heartbeats it
//	api/                    — HTTP control plane for strategies and positions
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hivebot/internal/config"
	"hivebot/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := os.Getenv("HIVE_CONFIG")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 1
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-eng.APIFailed():
		logger.Error("api server failed, shutting down", "error", err)
		eng.Stop()
		return 1
	}

	// A second signal during shutdown aborts immediately.
	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case sig := <-sigCh:
		logger.Error("second signal during shutdown, aborting", "signal", sig.String())
		return 130
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
