// Package event defines the wire and in-memory shapes that flow through the
// pipeline: raw statement executions harvested from the source DBMS, the
// enriched form produced by the detection engine, and the anomaly findings
// written to the anomaly store.
//
// Anomaly kinds are modelled as distinct types (EventAnomaly has a
// triggering statement; SessionAnomaly spans a window and has none) and are
// widened to the flat sink schema only at write time.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// WireTimeFormat is the timestamp layout used on the stream: ISO-8601 UTC
// with millisecond precision.
const WireTimeFormat = "2006-01-02T15:04:05.000Z"

// Timestamp wraps time.Time to pin the JSON representation to WireTimeFormat.
// Unmarshalling also accepts RFC3339 with any sub-second precision so that
// payloads produced by other tooling replay cleanly.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to millisecond precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(WireTimeFormat))), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	for _, layout := range []string{WireTimeFormat, time.RFC3339Nano, time.RFC3339} {
		parsed, perr := time.Parse(layout, s)
		if perr == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized value %q", s)
}

// RawEvent is one statement execution captured from the source DBMS
// instrumentation. It is the payload carried in the stream message's "data"
// field and the row shape of the parquet archive.
type RawEvent struct {
	TS       Timestamp `json:"ts"`
	EventID  int64     `json:"event_id"`
	ThreadID int64     `json:"thread_id"`

	// TimerStart is the raw picosecond TIMER_START of the hot-ring row. It is
	// boot-relative and only meaningful to the harvester's cursor, so it never
	// goes on the wire; cold-source events leave it zero.
	TimerStart int64 `json:"-"`

	User           string `json:"user"`
	ClientIP       string `json:"client_ip"`
	Database       string `json:"database"`
	ProgramName    string `json:"program_name"`
	ClientOS       string `json:"client_os"`
	ConnectionType string `json:"connection_type"`

	SQLText       string `json:"sql_text"`
	NormalizedSQL string `json:"normalized_sql"`
	Digest        string `json:"digest"`

	ExecutionTimeMs float64 `json:"execution_time_ms"`
	LockTimeMs      float64 `json:"lock_time_ms"`
	CPUTimeMs       float64 `json:"cpu_time_ms"`
	RowsReturned    int64   `json:"rows_returned"`
	RowsExamined    int64   `json:"rows_examined"`
	RowsAffected    int64   `json:"rows_affected"`

	ErrorCode    int64  `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	ErrorCount   int64  `json:"error_count"`
	WarningCount int64  `json:"warning_count"`

	TmpDiskTables   int64 `json:"tmp_disk_tables"`
	TmpTables       int64 `json:"tmp_tables"`
	SelectFullJoin  int64 `json:"select_full_join"`
	SelectScan      int64 `json:"select_scan"`
	SortMergePasses int64 `json:"sort_merge_passes"`
	NoIndexUsed     bool  `json:"no_index_used"`
	NoGoodIndexUsed bool  `json:"no_good_index_used"`
}

// ComputeDigest hashes the normalized SQL into the opaque statement digest.
// Two statements with identical digest share one template.
func ComputeDigest(normalizedSQL string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalizedSQL))
}

// Marshal encodes the event into the wire payload for the stream's "data"
// field.
func (e *RawEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseRawEvent decodes a stream payload. A failure here is a poison pill:
// the message can never be processed and belongs in the quarantine stream.
func ParseRawEvent(data []byte) (*RawEvent, error) {
	var e RawEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse raw event: %w", err)
	}
	return &e, nil
}

// BehaviorGroup is the coarse bucket attached to a finding.
type BehaviorGroup string

const (
	GroupTechnicalAttack  BehaviorGroup = "TECHNICAL_ATTACK"
	GroupInsiderThreat    BehaviorGroup = "INSIDER_THREAT"
	GroupDataDestruction  BehaviorGroup = "DATA_DESTRUCTION"
	GroupAccessAnomaly    BehaviorGroup = "ACCESS_ANOMALY"
	GroupMultiTableAccess BehaviorGroup = "MULTI_TABLE_ACCESS"
	GroupUnusualBehavior  BehaviorGroup = "UNUSUAL_BEHAVIOR"
	GroupMLDetected       BehaviorGroup = "ML_DETECTED"
)

// AnalysisType records which detector tier classified an event.
type AnalysisType string

const (
	AnalysisNotAnalyzed        AnalysisType = "Not Analyzed"
	AnalysisRuleBased          AnalysisType = "Rule Based"
	AnalysisSupervisedFeedback AnalysisType = "Supervised Feedback"
	AnalysisPerUserProfile     AnalysisType = "Per-User Profile"
	AnalysisGlobalFallback     AnalysisType = "Global Fallback"
	AnalysisParseError         AnalysisType = "ParseError"
)

// Anomaly type taxonomy shared by the rule groups. Values are stable: they
// are part of the sink dedup key.
const (
	TypeSQLInjection          = "SQL_INJECTION"
	TypeRiskyDDL              = "RISKY_DDL"
	TypePrivilegeChange       = "PRIVILEGE_CHANGE"
	TypeMassDeletion          = "MASS_DELETION"
	TypeLongRunning           = "LONG_RUNNING"
	TypeCPUHog                = "CPU_HOG"
	TypeLowScanEfficiency     = "LOW_SCAN_EFFICIENCY"
	TypeHighEntropy           = "HIGH_ENTROPY"
	TypeErrorBurst            = "ERROR_BURST"
	TypeSuspiciousProgram     = "SUSPICIOUS_PROGRAM"
	TypeWarningBurst          = "WARNING_BURST"
	TypeIndexEvasion          = "INDEX_EVASION"
	TypeLargeDump             = "LARGE_DUMP"
	TypeRestrictedConnection  = "RESTRICTED_CONNECTION"
	TypeLateNightAccess       = "LATE_NIGHT_ACCESS"
	TypeSensitiveAccess       = "SENSITIVE_ACCESS"
	TypeMultiTable            = "multi_table"
	TypeComplexity            = "complexity"
)

// EventAnomaly is a per-statement finding.
type EventAnomaly struct {
	TS            Timestamp     `json:"ts"`
	User          string        `json:"user"`
	Database      string        `json:"database"`
	SQLText       string        `json:"sql_text"`
	AnomalyType   string        `json:"anomaly_type"`
	BehaviorGroup BehaviorGroup `json:"behavior_group"`
	Reason        string        `json:"reason"`
	Score         *float64      `json:"score,omitempty"`
	AnalysisType  AnalysisType  `json:"analysis_type"`
}

// DedupKey identifies a finding for at-least-once collapse at the sink.
// Wall-clock write time and other non-deterministic fields are excluded.
func (a *EventAnomaly) DedupKey() string {
	score := ""
	if a.Score != nil {
		score = strconv.FormatFloat(*a.Score, 'g', -1, 64)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		a.TS.UTC().Format(WireTimeFormat), a.User, a.Database, a.SQLText,
		a.AnomalyType, a.Reason, score)
}

// SessionAnomaly is a per-(user, window) finding aggregating many statements.
type SessionAnomaly struct {
	User        string          `json:"user"`
	StartTime   Timestamp       `json:"start_time"`
	EndTime     Timestamp       `json:"end_time"`
	AnomalyType string          `json:"anomaly_type"`
	Severity    int             `json:"severity"`
	Details     json.RawMessage `json:"details"`
	Scope       string          `json:"scope"`
}

// SessionDetails is the JSON object stored in SessionAnomaly.Details.
type SessionDetails struct {
	Tables  []string         `json:"tables"`
	Queries []SessionQueryRef `json:"queries"`
}

// SessionQueryRef summarizes one statement inside an aggregated session.
type SessionQueryRef struct {
	TS       Timestamp `json:"ts"`
	SQLText  string    `json:"sql_text"`
	Database string    `json:"database"`
	Tables   []string  `json:"tables"`
}

// ResponseOrder is the active-response integration contract: the detection
// engine publishes these to the response stream, the responder executes them.
type ResponseOrder struct {
	User     string   `json:"user"`
	Reason   string   `json:"reason"`
	EventIDs []int64  `json:"triggering_event_ids"`
	Actions  []string `json:"actions"` // "lock_account", "kill_sessions"
}

// Score returns a pointer to v, for the optional EventAnomaly.Score field.
func Score(v float64) *float64 { return &v }
