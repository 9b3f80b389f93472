// Package source implements the read surface over the monitored MySQL
// server: the hot in-memory statement ring
// (performance_schema.events_statements_history_long) and the cold
// persistent log table a DB-side job mirrors it into. The harvester only
// ever SELECTs here; its own statements carry a marker comment and are
// filtered server-side so the pipeline never observes itself.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/arc-self/uba-pipeline/internal/event"
)

// selfMarker tags every query this package issues. The hot/cold reads
// exclude statements containing it, preventing feedback loops.
const selfMarker = "uba:harvester"

// picosPerMilli converts performance_schema TIMER_* picosecond counters.
const picosPerMilli = 1e9

// Reader is the harvester-facing source interface.
type Reader interface {
	// BootInfo returns the minute-precision boot signature of the server
	// and the boot instant (used to map timer_start to wall clock).
	BootInfo(ctx context.Context) (signature string, bootTime time.Time, err error)
	// TimerRange returns the min and max TIMER_START currently held in the
	// hot ring; both zero when the ring is empty.
	TimerRange(ctx context.Context) (minTimer, maxTimer int64, err error)
	// FetchHot reads up to limit ring events with TIMER_START > afterTimer,
	// in timer order.
	FetchHot(ctx context.Context, bootTime time.Time, afterTimer int64, limit int) ([]*event.RawEvent, error)
	// FetchCold reads up to limit persistent-log events with
	// event_ts > afterTS, in timestamp order.
	FetchCold(ctx context.Context, afterTS time.Time, limit int) ([]*event.RawEvent, error)
	// ColdMaxTS returns the newest event_ts present in the persistent log,
	// zero time when the log is empty.
	ColdMaxTS(ctx context.Context) (time.Time, error)
	Close() error
}

// DB is the production Reader over a live MySQL connection.
type DB struct {
	db       *sql.DB
	selfUser string
}

// Open connects to the source DBMS. selfUser is the account this pipeline
// authenticates as; its activity is excluded from both sources.
func Open(dsn, selfUser string) (*DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open source db: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	return &DB{db: db, selfUser: selfUser}, nil
}

// NewFromDB wraps an existing handle; tests use this with sqlmock.
func NewFromDB(db *sql.DB, selfUser string) *DB {
	return &DB{db: db, selfUser: selfUser}
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// Ping verifies connectivity; the harvester's reconnect loop uses it.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

const bootInfoQuery = `/* ` + selfMarker + ` */
SELECT DATE_FORMAT(boot, '%Y-%m-%d %H:%i') AS boot_signature, boot
FROM (
  SELECT NOW(6) - INTERVAL (
    SELECT VARIABLE_VALUE FROM performance_schema.global_status
    WHERE VARIABLE_NAME = 'Uptime'
  ) SECOND AS boot
) t`

// BootInfo implements Reader.
func (d *DB) BootInfo(ctx context.Context) (string, time.Time, error) {
	var sig, bootRaw string
	if err := d.db.QueryRowContext(ctx, bootInfoQuery).Scan(&sig, &bootRaw); err != nil {
		return "", time.Time{}, fmt.Errorf("boot info: %w", err)
	}
	boot, err := parseMySQLTime(bootRaw)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("boot info: %w", err)
	}
	return sig, boot, nil
}

const timerRangeQuery = `/* ` + selfMarker + ` */
SELECT COALESCE(MIN(TIMER_START), 0), COALESCE(MAX(TIMER_START), 0)
FROM performance_schema.events_statements_history_long`

// TimerRange implements Reader.
func (d *DB) TimerRange(ctx context.Context) (int64, int64, error) {
	var minTimer, maxTimer int64
	if err := d.db.QueryRowContext(ctx, timerRangeQuery).Scan(&minTimer, &maxTimer); err != nil {
		return 0, 0, fmt.Errorf("timer range: %w", err)
	}
	return minTimer, maxTimer, nil
}

const hotQuery = `/* ` + selfMarker + ` */
SELECT s.THREAD_ID, s.EVENT_ID, s.TIMER_START,
       s.TIMER_WAIT, s.LOCK_TIME, COALESCE(s.CPU_TIME, 0),
       s.SQL_TEXT, COALESCE(s.DIGEST_TEXT, ''), COALESCE(s.CURRENT_SCHEMA, ''),
       s.ROWS_SENT, s.ROWS_EXAMINED, s.ROWS_AFFECTED,
       s.MYSQL_ERRNO, COALESCE(s.MESSAGE_TEXT, ''), s.ERRORS, s.WARNINGS,
       s.CREATED_TMP_DISK_TABLES, s.CREATED_TMP_TABLES,
       s.SELECT_FULL_JOIN, s.SELECT_SCAN, s.SORT_MERGE_PASSES,
       s.NO_INDEX_USED, s.NO_GOOD_INDEX_USED,
       COALESCE(t.PROCESSLIST_USER, ''), COALESCE(t.PROCESSLIST_HOST, ''),
       COALESCE(t.CONNECTION_TYPE, ''),
       COALESCE(pa.ATTR_VALUE, ''), COALESCE(oa.ATTR_VALUE, '')
FROM performance_schema.events_statements_history_long s
JOIN performance_schema.threads t ON t.THREAD_ID = s.THREAD_ID
LEFT JOIN performance_schema.session_connect_attrs pa
       ON pa.PROCESSLIST_ID = t.PROCESSLIST_ID AND pa.ATTR_NAME = 'program_name'
LEFT JOIN performance_schema.session_connect_attrs oa
       ON oa.PROCESSLIST_ID = t.PROCESSLIST_ID AND oa.ATTR_NAME = '_os'
WHERE s.TIMER_START > ?
  AND s.SQL_TEXT IS NOT NULL
  AND COALESCE(t.PROCESSLIST_USER, '') <> ?
  AND s.SQL_TEXT NOT LIKE '%` + selfMarker + `%'
ORDER BY s.TIMER_START ASC
LIMIT ?`

// FetchHot implements Reader. Wall-clock timestamps are reconstructed as
// bootTime + timer_start picoseconds.
func (d *DB) FetchHot(ctx context.Context, bootTime time.Time, afterTimer int64, limit int) ([]*event.RawEvent, error) {
	rows, err := d.db.QueryContext(ctx, hotQuery, afterTimer, d.selfUser, limit)
	if err != nil {
		return nil, fmt.Errorf("hot fetch: %w", err)
	}
	defer rows.Close()

	var out []*event.RawEvent
	for rows.Next() {
		var (
			e                                 event.RawEvent
			timerStart, timerWait, lockTime   int64
			cpuTime                           int64
			digestText, schema, host, connTyp string
			user, program, clientOS           string
			noIndex, noGoodIndex              int64
			sqlText                           sql.NullString
		)
		if err := rows.Scan(
			&e.ThreadID, &e.EventID, &timerStart,
			&timerWait, &lockTime, &cpuTime,
			&sqlText, &digestText, &schema,
			&e.RowsReturned, &e.RowsExamined, &e.RowsAffected,
			&e.ErrorCode, &e.ErrorMessage, &e.ErrorCount, &e.WarningCount,
			&e.TmpDiskTables, &e.TmpTables,
			&e.SelectFullJoin, &e.SelectScan, &e.SortMergePasses,
			&noIndex, &noGoodIndex,
			&user, &host, &connTyp,
			&program, &clientOS,
		); err != nil {
			return nil, fmt.Errorf("hot scan: %w", err)
		}
		e.TS = event.NewTimestamp(bootTime.Add(time.Duration(timerStart) * time.Nanosecond / 1000))
		e.TimerStart = timerStart
		e.User = user
		e.ClientIP = hostAddr(host)
		e.Database = schema
		e.ProgramName = program
		e.ClientOS = clientOS
		e.ConnectionType = connTyp
		e.SQLText = sqlText.String
		e.NormalizedSQL = digestText
		if digestText != "" {
			e.Digest = event.ComputeDigest(digestText)
		}
		e.ExecutionTimeMs = float64(timerWait) / picosPerMilli
		e.LockTimeMs = float64(lockTime) / picosPerMilli
		e.CPUTimeMs = float64(cpuTime) / picosPerMilli
		e.NoIndexUsed = noIndex != 0
		e.NoGoodIndexUsed = noGoodIndex != 0
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hot rows: %w", err)
	}
	return out, nil
}

const coldQuery = `/* ` + selfMarker + ` */
SELECT event_ts, thread_id, event_id,
       user, client_ip, db, program_name, client_os, connection_type,
       sql_text, normalized_sql,
       execution_time_ms, lock_time_ms, cpu_time_ms,
       rows_returned, rows_examined, rows_affected,
       error_code, error_message, error_count, warning_count,
       tmp_disk_tables, tmp_tables, select_full_join, select_scan,
       sort_merge_passes, no_index_used, no_good_index_used
FROM uba_log.statement_log
WHERE event_ts > ?
  AND user <> ?
  AND sql_text NOT LIKE '%` + selfMarker + `%'
ORDER BY event_ts ASC
LIMIT ?`

// FetchCold implements Reader.
func (d *DB) FetchCold(ctx context.Context, afterTS time.Time, limit int) ([]*event.RawEvent, error) {
	rows, err := d.db.QueryContext(ctx, coldQuery,
		afterTS.UTC().Format("2006-01-02 15:04:05.000"), d.selfUser, limit)
	if err != nil {
		return nil, fmt.Errorf("cold fetch: %w", err)
	}
	defer rows.Close()

	var out []*event.RawEvent
	for rows.Next() {
		var (
			e                    event.RawEvent
			tsRaw                string
			noIndex, noGoodIndex int64
		)
		if err := rows.Scan(
			&tsRaw, &e.ThreadID, &e.EventID,
			&e.User, &e.ClientIP, &e.Database, &e.ProgramName, &e.ClientOS, &e.ConnectionType,
			&e.SQLText, &e.NormalizedSQL,
			&e.ExecutionTimeMs, &e.LockTimeMs, &e.CPUTimeMs,
			&e.RowsReturned, &e.RowsExamined, &e.RowsAffected,
			&e.ErrorCode, &e.ErrorMessage, &e.ErrorCount, &e.WarningCount,
			&e.TmpDiskTables, &e.TmpTables, &e.SelectFullJoin, &e.SelectScan,
			&e.SortMergePasses, &noIndex, &noGoodIndex,
		); err != nil {
			return nil, fmt.Errorf("cold scan: %w", err)
		}
		ts, err := parseMySQLTime(tsRaw)
		if err != nil {
			return nil, fmt.Errorf("cold scan ts: %w", err)
		}
		e.TS = event.NewTimestamp(ts)
		if e.NormalizedSQL != "" {
			e.Digest = event.ComputeDigest(e.NormalizedSQL)
		}
		e.NoIndexUsed = noIndex != 0
		e.NoGoodIndexUsed = noGoodIndex != 0
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cold rows: %w", err)
	}
	return out, nil
}

const coldMaxQuery = `/* ` + selfMarker + ` */
SELECT COALESCE(MAX(event_ts), '1970-01-01 00:00:00') FROM uba_log.statement_log`

// ColdMaxTS implements Reader.
func (d *DB) ColdMaxTS(ctx context.Context) (time.Time, error) {
	var raw string
	if err := d.db.QueryRowContext(ctx, coldMaxQuery).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("cold max ts: %w", err)
	}
	ts, err := parseMySQLTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("cold max ts: %w", err)
	}
	if ts.Unix() == 0 {
		return time.Time{}, nil
	}
	return ts, nil
}

// parseMySQLTime accepts the DATETIME layouts the driver returns as text.
func parseMySQLTime(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

// hostAddr strips the ephemeral port from PROCESSLIST_HOST ("10.0.0.5:49832").
func hostAddr(host string) string {
	if i := strings.LastIndex(host, ":"); i > 0 {
		return host[:i]
	}
	return host
}
