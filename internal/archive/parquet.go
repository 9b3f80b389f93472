// Package archive maintains the append-only columnar record of every
// harvested event: one parquet file per day per source under a staging
// directory, promoted to the archive directory once the detection engine has
// ingested the day's window. The archive is the recovery ground truth when
// the stream trims or the backend is down — files are never deleted by the
// pipeline.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/event"
)

// row is the parquet column layout. It mirrors event.RawEvent field for
// field; the timestamp is flattened to a concrete time.Time for the encoder.
type row struct {
	TS       time.Time `parquet:"ts,timestamp"`
	EventID  int64     `parquet:"event_id"`
	ThreadID int64     `parquet:"thread_id"`

	User           string `parquet:"user,dict"`
	ClientIP       string `parquet:"client_ip,dict"`
	Database       string `parquet:"database,dict"`
	ProgramName    string `parquet:"program_name,dict"`
	ClientOS       string `parquet:"client_os,dict"`
	ConnectionType string `parquet:"connection_type,dict"`

	SQLText       string `parquet:"sql_text"`
	NormalizedSQL string `parquet:"normalized_sql"`
	Digest        string `parquet:"digest"`

	ExecutionTimeMs float64 `parquet:"execution_time_ms"`
	LockTimeMs      float64 `parquet:"lock_time_ms"`
	CPUTimeMs       float64 `parquet:"cpu_time_ms"`
	RowsReturned    int64   `parquet:"rows_returned"`
	RowsExamined    int64   `parquet:"rows_examined"`
	RowsAffected    int64   `parquet:"rows_affected"`

	ErrorCode    int64  `parquet:"error_code"`
	ErrorMessage string `parquet:"error_message"`
	ErrorCount   int64  `parquet:"error_count"`
	WarningCount int64  `parquet:"warning_count"`

	TmpDiskTables   int64 `parquet:"tmp_disk_tables"`
	TmpTables       int64 `parquet:"tmp_tables"`
	SelectFullJoin  int64 `parquet:"select_full_join"`
	SelectScan      int64 `parquet:"select_scan"`
	SortMergePasses int64 `parquet:"sort_merge_passes"`
	NoIndexUsed     bool  `parquet:"no_index_used"`
	NoGoodIndexUsed bool  `parquet:"no_good_index_used"`
}

func toRow(e *event.RawEvent) row {
	return row{
		TS:              e.TS.Time,
		EventID:         e.EventID,
		ThreadID:        e.ThreadID,
		User:            e.User,
		ClientIP:        e.ClientIP,
		Database:        e.Database,
		ProgramName:     e.ProgramName,
		ClientOS:        e.ClientOS,
		ConnectionType:  e.ConnectionType,
		SQLText:         e.SQLText,
		NormalizedSQL:   e.NormalizedSQL,
		Digest:          e.Digest,
		ExecutionTimeMs: e.ExecutionTimeMs,
		LockTimeMs:      e.LockTimeMs,
		CPUTimeMs:       e.CPUTimeMs,
		RowsReturned:    e.RowsReturned,
		RowsExamined:    e.RowsExamined,
		RowsAffected:    e.RowsAffected,
		ErrorCode:       e.ErrorCode,
		ErrorMessage:    e.ErrorMessage,
		ErrorCount:      e.ErrorCount,
		WarningCount:    e.WarningCount,
		TmpDiskTables:   e.TmpDiskTables,
		TmpTables:       e.TmpTables,
		SelectFullJoin:  e.SelectFullJoin,
		SelectScan:      e.SelectScan,
		SortMergePasses: e.SortMergePasses,
		NoIndexUsed:     e.NoIndexUsed,
		NoGoodIndexUsed: e.NoGoodIndexUsed,
	}
}

// Writer appends events to daily parquet segments. The harvester is the only
// writer per file. Parquet files cannot be reopened for append, so each
// process lifetime within a day produces a new numbered segment
// (<dbms>_<date>.parquet, <dbms>_<date>.1.parquet, ...).
type Writer struct {
	stagingDir string
	archiveDir string
	source     string
	log        *zap.Logger

	mu      sync.Mutex
	day     string // "2006-01-02" of the open segment
	file    *os.File
	pw      *parquet.GenericWriter[row]
	written int64
}

// NewWriter creates the staging and archive directories and returns a
// writer for the given source DBMS.
func NewWriter(stagingDir, archiveDir, source string, logger *zap.Logger) (*Writer, error) {
	for _, dir := range []string{stagingDir, archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive dir %s: %w", dir, err)
		}
	}
	return &Writer{
		stagingDir: stagingDir,
		archiveDir: archiveDir,
		source:     source,
		log:        logger,
	}, nil
}

// Append writes a batch of events to the current day's segment, rolling to a
// new segment at day boundaries. Rows are flushed to disk before Append
// returns, so a subsequent cursor save never outruns the archive.
func (w *Writer) Append(events []*event.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	rows := make([]row, 0, len(events))
	for _, e := range events {
		day := e.TS.UTC().Format("2006-01-02")
		if day != w.day {
			if err := w.flushRowsLocked(rows); err != nil {
				return err
			}
			rows = rows[:0]
			if err := w.rollLocked(day); err != nil {
				return err
			}
		}
		rows = append(rows, toRow(e))
	}
	if err := w.flushRowsLocked(rows); err != nil {
		return err
	}
	if w.pw != nil {
		if err := w.pw.Flush(); err != nil {
			return fmt.Errorf("parquet flush: %w", err)
		}
	}
	return nil
}

func (w *Writer) flushRowsLocked(rows []row) error {
	if len(rows) == 0 {
		return nil
	}
	if w.pw == nil {
		if err := w.rollLocked(rows[0].TS.UTC().Format("2006-01-02")); err != nil {
			return err
		}
	}
	if _, err := w.pw.Write(rows); err != nil {
		return fmt.Errorf("parquet write: %w", err)
	}
	w.written += int64(len(rows))
	return nil
}

// rollLocked closes the open segment and opens a fresh one for day.
func (w *Writer) rollLocked(day string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.segmentPath(day)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	w.file = f
	w.pw = parquet.NewGenericWriter[row](f, parquet.Compression(&parquet.Snappy))
	w.day = day
	w.log.Info("archive segment opened", zap.String("path", path))
	return nil
}

// segmentPath finds the first unused segment name for day.
func (w *Writer) segmentPath(day string) string {
	base := filepath.Join(w.stagingDir, fmt.Sprintf("%s_%s.parquet", w.source, day))
	path := base
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(w.stagingDir, fmt.Sprintf("%s_%s.%d.parquet", w.source, day, n))
	}
}

func (w *Writer) closeLocked() error {
	if w.pw == nil {
		return nil
	}
	if err := w.pw.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment file: %w", err)
	}
	w.pw = nil
	w.file = nil
	w.day = ""
	return nil
}

// Close finalizes the open segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Written reports the number of rows appended over the writer's lifetime.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// PromoteBefore moves closed staging segments for days strictly before
// cutoffDay (format "2006-01-02") into the archive directory. The segment
// currently open for writing is never promoted. Returns the promoted paths.
func (w *Writer) PromoteBefore(cutoffDay string) ([]string, error) {
	w.mu.Lock()
	openDay := w.day
	w.mu.Unlock()

	entries, err := os.ReadDir(w.stagingDir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	var promoted []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		day := segmentDay(name, w.source)
		if day == "" || day >= cutoffDay || day == openDay {
			continue
		}
		src := filepath.Join(w.stagingDir, name)
		dst := filepath.Join(w.archiveDir, name)
		if err := os.Rename(src, dst); err != nil {
			return promoted, fmt.Errorf("promote %s: %w", name, err)
		}
		promoted = append(promoted, dst)
		w.log.Info("archive segment promoted", zap.String("path", dst))
	}
	sort.Strings(promoted)
	return promoted, nil
}

// segmentDay extracts "2006-01-02" from "<source>_<day>[.n].parquet".
func segmentDay(name, source string) string {
	rest, ok := strings.CutPrefix(name, source+"_")
	if !ok || len(rest) < len("2006-01-02") {
		return ""
	}
	day := rest[:len("2006-01-02")]
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return ""
	}
	return day
}
