package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/health"
	"github.com/arc-self/uba-pipeline/internal/respond"
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
	if cfg.MySQLAdminURL == "" {
		logger.Fatal("MYSQL_ADMIN_DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		logger.Fatal("REDIS_URL is required")
	}

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	if cfg.OTLPEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(ctx, "uba-responder", cfg.OTLPEndpoint)
		if err != nil {
			logger.Warn("metrics exporter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}
	metrics, err := telemetry.NewResponderMetrics()
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	// --- Admin Channel ---
	admin, err := sql.Open("mysql", cfg.MySQLAdminURL)
	if err != nil {
		logger.Fatal("admin connect failed", zap.Error(err))
	}
	admin.SetConnMaxLifetime(3 * time.Minute)
	admin.SetMaxOpenConns(2)
	defer admin.Close()

	// --- Stream ---
	sc, err := stream.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("stream connect failed", zap.Error(err))
	}
	defer sc.Close()

	// --- Run ---
	r := respond.New(sc, admin, cfg.ResponseKey(), metrics, logger)

	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		logger.Fatal("state dir", zap.Error(err))
	}
	hs := health.NewServer(cfg.HealthAddr, "responder", cfg.StateDir(), nil, logger)
	go func() {
		if err := hs.Run(ctx); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("responder failed", zap.Error(err))
	}
	logger.Info("responder shut down gracefully")
}
