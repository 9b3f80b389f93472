package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/archive"
	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/cursor"
	"github.com/arc-self/uba-pipeline/internal/harvester"
	"github.com/arc-self/uba-pipeline/internal/health"
	"github.com/arc-self/uba-pipeline/internal/source"
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
	if cfg.MySQLLogDatabaseURL == "" {
		logger.Fatal("MYSQL_LOG_DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		logger.Fatal("REDIS_URL is required")
	}

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	if cfg.OTLPEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(ctx, "uba-harvester", cfg.OTLPEndpoint)
		if err != nil {
			logger.Warn("metrics exporter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}
	metrics, err := telemetry.NewHarvesterMetrics()
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	// --- Source DB ---
	dsnCfg, err := mysql.ParseDSN(cfg.MySQLLogDatabaseURL)
	if err != nil {
		logger.Fatal("bad MySQL DSN", zap.Error(err))
	}
	reader, err := source.Open(cfg.MySQLLogDatabaseURL, dsnCfg.User)
	if err != nil {
		logger.Fatal("source connect failed", zap.Error(err))
	}
	defer reader.Close()

	// --- Stream ---
	sc, err := stream.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("stream connect failed", zap.Error(err))
	}
	defer sc.Close()

	// --- Archive + Cursor ---
	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		logger.Fatal("state dir", zap.Error(err))
	}
	aw, err := archive.NewWriter(cfg.StagingDir(), cfg.ArchiveDir(), cfg.SourceDBMS, logger)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}
	defer aw.Close()

	cs, err := cursor.NewStore(filepath.Join(cfg.StateDir(), "cursor_"+cfg.SourceDBMS+".json"))
	if err != nil {
		logger.Fatal("cursor store init failed", zap.Error(err))
	}

	// --- Run ---
	h := harvester.New(reader, sc, aw, cs, cfg.StreamKey(), 0, metrics, logger)

	hs := health.NewServer(cfg.HealthAddr, "harvester", cfg.StateDir(), func() any {
		return map[string]any{"events_archived": aw.Written()}
	}, logger)
	go func() {
		if err := hs.Run(ctx); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()

	if err := h.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("harvester failed", zap.Error(err))
	}
	logger.Info("harvester shut down gracefully")
}
