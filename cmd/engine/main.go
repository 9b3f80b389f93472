package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/engine"
	"github.com/arc-self/uba-pipeline/internal/health"
	"github.com/arc-self/uba-pipeline/internal/profile"
	"github.com/arc-self/uba-pipeline/internal/sink"
	"github.com/arc-self/uba-pipeline/internal/stream"
	"github.com/arc-self/uba-pipeline/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		logger.Fatal("REDIS_URL is required")
	}

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	if cfg.OTLPEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(ctx, "uba-engine", cfg.OTLPEndpoint)
		if err != nil {
			logger.Warn("metrics exporter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}
	metrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	// --- Stream ---
	sc, err := stream.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("stream connect failed", zap.Error(err))
	}
	defer sc.Close()

	// --- Anomaly Store ---
	store, err := sink.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("sink connect failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("sink schema failed", zap.Error(err))
	}

	// --- Profiles ---
	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		logger.Fatal("state dir", zap.Error(err))
	}
	profiles, err := profile.NewStore(cfg.ProfileDir(), logger)
	if err != nil {
		logger.Fatal("profile store init failed", zap.Error(err))
	}

	// --- Run ---
	eng := engine.New(cfg, sc, store, profiles, metrics, logger)

	hs := health.NewServer(cfg.HealthAddr, "engine", cfg.StateDir(), func() any {
		return eng.Snapshot()
	}, logger)
	go func() {
		if err := hs.Run(ctx); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("engine failed", zap.Error(err))
	}
	logger.Info("engine shut down gracefully")
}
