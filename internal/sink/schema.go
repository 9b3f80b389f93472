package sink

// Schema for the anomaly store. UNIQUE NULLS NOT DISTINCT makes the dedup
// keys collapse identical findings even when score is absent; every insert
// goes through ON CONFLICT DO NOTHING so a redelivered batch is a no-op.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS all_logs (
		id              BIGSERIAL PRIMARY KEY,
		ts              TIMESTAMPTZ NOT NULL,
		event_id        BIGINT NOT NULL,
		thread_id       BIGINT NOT NULL,
		username        TEXT NOT NULL DEFAULT '',
		client_ip       TEXT NOT NULL DEFAULT '',
		database_name   TEXT NOT NULL DEFAULT '',
		program_name    TEXT NOT NULL DEFAULT '',
		client_os       TEXT NOT NULL DEFAULT '',
		connection_type TEXT NOT NULL DEFAULT '',
		sql_text        TEXT NOT NULL DEFAULT '',
		normalized_sql  TEXT NOT NULL DEFAULT '',
		digest          TEXT NOT NULL DEFAULT '',
		execution_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		lock_time_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
		cpu_time_ms       DOUBLE PRECISION NOT NULL DEFAULT 0,
		rows_returned   BIGINT NOT NULL DEFAULT 0,
		rows_examined   BIGINT NOT NULL DEFAULT 0,
		rows_affected   BIGINT NOT NULL DEFAULT 0,
		error_code      INTEGER NOT NULL DEFAULT 0,
		error_message   TEXT NOT NULL DEFAULT '',
		warning_count   BIGINT NOT NULL DEFAULT 0,
		query_entropy   DOUBLE PRECISION NOT NULL DEFAULT 0,
		scan_efficiency DOUBLE PRECISION NOT NULL DEFAULT 0,
		query_count_5m  BIGINT NOT NULL DEFAULT 0,
		error_count_5m  BIGINT NOT NULL DEFAULT 0,
		execution_time_ms_zscore DOUBLE PRECISION,
		rows_returned_zscore     DOUBLE PRECISION,
		parse_failed    BOOLEAN NOT NULL DEFAULT FALSE,
		features        JSONB NOT NULL DEFAULT '{}',
		is_anomaly      BOOLEAN NOT NULL DEFAULT FALSE,
		analysis_type   TEXT NOT NULL DEFAULT 'NotAnalyzed',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (ts, username, thread_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS all_logs_user_ts_idx ON all_logs (username, ts)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		id              BIGSERIAL PRIMARY KEY,
		ts              TIMESTAMPTZ NOT NULL,
		username        TEXT NOT NULL DEFAULT '',
		database_name   TEXT NOT NULL DEFAULT '',
		sql_text        TEXT NOT NULL DEFAULT '',
		anomaly_type    TEXT NOT NULL,
		behavior_group  TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		score           DOUBLE PRECISION,
		analysis_type   TEXT NOT NULL DEFAULT 'NotAnalyzed',
		status          TEXT NOT NULL DEFAULT 'new',
		ai_analysis     JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE NULLS NOT DISTINCT (ts, username, database_name, sql_text, anomaly_type, reason, score)
	)`,
	`CREATE INDEX IF NOT EXISTS anomalies_status_idx ON anomalies (status, ts)`,
	`CREATE TABLE IF NOT EXISTS aggregate_anomalies (
		id           BIGSERIAL PRIMARY KEY,
		username     TEXT NOT NULL,
		start_time   TIMESTAMPTZ NOT NULL,
		end_time     TIMESTAMPTZ NOT NULL,
		anomaly_type TEXT NOT NULL,
		severity     INTEGER NOT NULL DEFAULT 0,
		details      JSONB NOT NULL DEFAULT '{}',
		scope        TEXT NOT NULL DEFAULT 'session',
		status       TEXT NOT NULL DEFAULT 'new',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (username, start_time, end_time, anomaly_type, scope)
	)`,
}
