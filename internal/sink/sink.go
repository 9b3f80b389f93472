// Package sink writes the detection engine's output to the anomaly store.
// Every batch lands in one short transaction: the enriched log rows, the
// per-event findings, and the session aggregates. All three tables carry
// dedup keys, so a redelivered stream batch inserts nothing on the second
// pass and the engine can safely ack after commit.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
)

const commitTimeout = 60 * time.Second

// LogRow is one all_logs row: the enriched event plus the engine's verdict.
type LogRow struct {
	Event        *feature.EnrichedEvent
	IsAnomaly    bool
	AnalysisType event.AnalysisType
}

// Sink owns the Postgres connection pool for the anomaly store.
type Sink struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects to the anomaly store and verifies the connection.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse sink dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	cfg.MaxConns = 8
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open sink pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping sink: %w", err)
	}
	return &Sink{pool: pool, log: logger}, nil
}

// EnsureSchema creates the three tables and their indexes if absent.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Sink) Close() {
	s.pool.Close()
}

const insertLog = `INSERT INTO all_logs (
	ts, event_id, thread_id, username, client_ip, database_name,
	program_name, client_os, connection_type,
	sql_text, normalized_sql, digest,
	execution_time_ms, lock_time_ms, cpu_time_ms,
	rows_returned, rows_examined, rows_affected,
	error_code, error_message, warning_count,
	query_entropy, scan_efficiency, query_count_5m, error_count_5m,
	execution_time_ms_zscore, rows_returned_zscore,
	parse_failed, features, is_anomaly, analysis_type
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
	$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31
) ON CONFLICT DO NOTHING`

const insertAnomaly = `INSERT INTO anomalies (
	ts, username, database_name, sql_text,
	anomaly_type, behavior_group, reason, score, analysis_type
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT DO NOTHING`

const insertAggregate = `INSERT INTO aggregate_anomalies (
	username, start_time, end_time, anomaly_type, severity, details, scope
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT DO NOTHING`

// WriteBatch persists one micro-batch in a single transaction. On error the
// transaction rolls back entirely; the caller must not ack the stream.
func (s *Sink) WriteBatch(ctx context.Context, logs []LogRow, anomalies []event.EventAnomaly, sessions []event.SessionAnomaly) error {
	if len(logs) == 0 && len(anomalies) == 0 && len(sessions) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin sink tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range logs {
		e := row.Event
		featJSON, err := json.Marshal(e.Features)
		if err != nil {
			featJSON = []byte("{}")
		}
		batch.Queue(insertLog,
			e.TS.Time, e.EventID, e.ThreadID, e.User, e.ClientIP, e.Database,
			e.ProgramName, e.ClientOS, e.ConnectionType,
			e.SQLText, e.NormalizedSQL, e.Digest,
			e.ExecutionTimeMs, e.LockTimeMs, e.CPUTimeMs,
			e.RowsReturned, e.RowsExamined, e.RowsAffected,
			e.ErrorCode, e.ErrorMessage, e.WarningCount,
			e.QueryEntropy, e.ScanEfficiency, e.QueryCount5m, e.ErrorCount5m,
			e.ExecutionTimeMsZScore, e.RowsReturnedZScore,
			e.ParseFailed, featJSON, row.IsAnomaly, string(row.AnalysisType),
		)
	}
	for _, a := range dedupeAnomalies(anomalies) {
		batch.Queue(insertAnomaly,
			a.TS.Time, a.User, a.Database, a.SQLText,
			a.AnomalyType, string(a.BehaviorGroup), a.Reason, a.Score,
			string(a.AnalysisType),
		)
	}
	for _, sa := range sessions {
		batch.Queue(insertAggregate,
			sa.User, sa.StartTime.Time, sa.EndTime.Time,
			sa.AnomalyType, sa.Severity, sa.Details, sa.Scope,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("sink batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sink tx: %w", err)
	}
	s.log.Debug("batch persisted",
		zap.Int("logs", len(logs)),
		zap.Int("anomalies", len(anomalies)),
		zap.Int("sessions", len(sessions)),
	)
	return nil
}

// dedupeAnomalies collapses identical findings within a batch so the ON
// CONFLICT clause only has to defend against cross-batch redelivery.
func dedupeAnomalies(in []event.EventAnomaly) []event.EventAnomaly {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, a := range in {
		k := a.DedupKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}
