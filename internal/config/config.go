// Package config loads the pipeline's runtime configuration: the structured
// rule/threshold blob from YAML, connection strings from the environment,
// and (optionally) secrets from Vault. All thresholds and signature lists
// live here — rule code receives them injected, never hard-coded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Thresholds holds the numeric cut-offs used by the signature rules.
type Thresholds struct {
	MassDeletionRows      int64   `mapstructure:"mass_deletion_rows"`
	ExecutionTimeLimitMs  float64 `mapstructure:"execution_time_limit_ms"`
	CPUTimeLimitMs        float64 `mapstructure:"cpu_time_limit_ms"`
	LockTimeLimitMs       float64 `mapstructure:"lock_time_limit_ms"`
	BruteForceAttempts    int     `mapstructure:"brute_force_attempts"`
	ScanEfficiencyMin     float64 `mapstructure:"scan_efficiency_min"`
	ScanEfficiencyMinRows int64   `mapstructure:"scan_efficiency_min_rows"`
	MaxQueryEntropy       float64 `mapstructure:"max_query_entropy"`
	WarningCountThreshold int64   `mapstructure:"warning_count_threshold"`
	IndexEvasionMinRows   int64   `mapstructure:"index_evasion_min_rows"`
}

// Signatures holds the pattern and name lists consumed by the rules.
type Signatures struct {
	SQLiKeywords               []string `mapstructure:"sqli_keywords"`
	AdminKeywords              []string `mapstructure:"admin_keywords"`
	SensitiveTables            []string `mapstructure:"sensitive_tables"`
	DDLAllowTables             []string `mapstructure:"ddl_allow_tables"`
	LargeDumpTables            []string `mapstructure:"large_dump_tables"`
	DisallowedPrograms         []string `mapstructure:"disallowed_programs"`
	RestrictedConnectionUsers  []string `mapstructure:"restricted_connection_users"`
	AllowedConnectionTypes     []string `mapstructure:"allowed_connection_types"`
}

// Whitelists exempts maintenance activity from rule evaluation. The window
// is a daily "HH:MM"–"HH:MM" interval (may cross midnight); both bounds
// empty disables it.
type Whitelists struct {
	MaintenanceUsers       []string `mapstructure:"maintenance_users"`
	MaintenanceKeywords    []string `mapstructure:"maintenance_keywords"`
	MaintenanceWindowStart string   `mapstructure:"maintenance_window_start"`
	MaintenanceWindowEnd   string   `mapstructure:"maintenance_window_end"`
}

// Rules holds behavioral-rule parameters (time windows, session sweep,
// profile thresholds).
type Rules struct {
	LateNightStartTime   string   `mapstructure:"late_night_start_time"` // "HH:MM"
	LateNightEndTime     string   `mapstructure:"late_night_end_time"`
	SafeHoursStart       int      `mapstructure:"safe_hours_start"`
	SafeHoursEnd         int      `mapstructure:"safe_hours_end"`
	SafeWeekdays         []int    `mapstructure:"safe_weekdays"` // 0=Monday .. 6=Sunday
	TimeWindowMinutes    int      `mapstructure:"time_window_minutes"`
	MinDistinctTables    int      `mapstructure:"min_distinct_tables"`
	ProfileMinSamples    int      `mapstructure:"profile_min_samples"`
	QuantileStart        float64  `mapstructure:"quantile_start"`
	QuantileEnd          float64  `mapstructure:"quantile_end"`
	AllowedUsersSensitive []string `mapstructure:"allowed_users_sensitive"`
}

// Response configures the optional active-response path.
type Response struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the full configuration blob (the thresholds/signatures/
// whitelists/rules sections of the YAML file) plus the operational
// environment.
type Config struct {
	Thresholds Thresholds `mapstructure:"thresholds"`
	Signatures Signatures `mapstructure:"signatures"`
	Whitelists Whitelists `mapstructure:"whitelists"`
	Rules      Rules      `mapstructure:"rules"`
	Response   Response   `mapstructure:"response"`

	// Environment-sourced, possibly overridden by Vault.
	DatabaseURL         string `mapstructure:"-"` // anomaly store (Postgres)
	MySQLLogDatabaseURL string `mapstructure:"-"` // source DBMS
	MySQLAdminURL       string `mapstructure:"-"` // active-response channel
	RedisURL            string `mapstructure:"-"`
	LogsDir             string `mapstructure:"-"`
	SourceDBMS          string `mapstructure:"-"` // partition key, default "mysql"
	OTLPEndpoint        string `mapstructure:"-"`
	HealthAddr          string `mapstructure:"-"`
}

// recognizedTopKeys is the closed set of top-level config sections. Anything
// else in the file is ignored with a warning.
var recognizedTopKeys = map[string]bool{
	"thresholds": true,
	"signatures": true,
	"whitelists": true,
	"rules":      true,
	"response":   true,
}

// Defaults returns the code defaults used when a key is absent from the blob.
func Defaults() Config {
	return Config{
		Thresholds: Thresholds{
			MassDeletionRows:      500,
			ExecutionTimeLimitMs:  5000,
			CPUTimeLimitMs:        1000,
			LockTimeLimitMs:       500,
			BruteForceAttempts:    5,
			ScanEfficiencyMin:     0.01,
			ScanEfficiencyMinRows: 1000,
			MaxQueryEntropy:       6.0,
			WarningCountThreshold: 5,
			IndexEvasionMinRows:   1000,
		},
		Signatures: Signatures{
			SQLiKeywords: []string{
				"UNION SELECT", "OR 1=1", "SLEEP(", "BENCHMARK(",
				"UPDATEXML", "EXTRACTVALUE", "--", "#", "INFORMATION_SCHEMA",
			},
			AdminKeywords: []string{
				"GRANT", "REVOKE", "CREATE USER", "DROP USER", "ALTER USER", "SET PASSWORD",
			},
			AllowedConnectionTypes: []string{"SSL/TLS"},
		},
		Whitelists: Whitelists{
			MaintenanceKeywords: []string{"backup", "optimize table", "analyze table"},
		},
		Rules: Rules{
			LateNightStartTime: "23:00",
			LateNightEndTime:   "06:00",
			SafeHoursStart:     8,
			SafeHoursEnd:       18,
			SafeWeekdays:       []int{0, 1, 2, 3, 4},
			TimeWindowMinutes:  5,
			MinDistinctTables:  4,
			ProfileMinSamples:  100,
			QuantileStart:      0.05,
			QuantileEnd:        0.95,
		},
		SourceDBMS: "mysql",
	}
}

// Load reads the YAML blob named by $UBA_CONFIG (optional) on top of the
// code defaults, then applies environment variables and, when $VAULT_ADDR is
// set, Vault-sourced secrets. Invalid values are returned as errors — the
// caller exits with status 1 (config errors are fatal at startup; there is
// no mid-flight reload).
func Load(logger *zap.Logger) (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("UBA_CONFIG"); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		for _, key := range v.AllKeys() {
			top := strings.SplitN(key, ".", 2)[0]
			if !recognizedTopKeys[top] {
				logger.Warn("ignoring unknown config key", zap.String("key", key))
			}
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.MySQLLogDatabaseURL = os.Getenv("MYSQL_LOG_DATABASE_URL")
	cfg.MySQLAdminURL = os.Getenv("MYSQL_ADMIN_DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.LogsDir = os.Getenv("UBA_LOGS_DIR")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.HealthAddr = os.Getenv("UBA_HEALTH_ADDR")
	if dbms := os.Getenv("UBA_SOURCE_DBMS"); dbms != "" {
		cfg.SourceDBMS = dbms
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = filepath.Join(os.TempDir(), "uba")
	}

	if err := applyVaultSecrets(&cfg, logger); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Rules.TimeWindowMinutes <= 0 {
		return fmt.Errorf("rules.time_window_minutes must be positive, got %d", c.Rules.TimeWindowMinutes)
	}
	if c.Rules.MinDistinctTables <= 0 {
		return fmt.Errorf("rules.min_distinct_tables must be positive, got %d", c.Rules.MinDistinctTables)
	}
	if c.Rules.ProfileMinSamples <= 0 {
		return fmt.Errorf("rules.profile_min_samples must be positive, got %d", c.Rules.ProfileMinSamples)
	}
	if c.Rules.SafeHoursStart < 0 || c.Rules.SafeHoursStart > 23 ||
		c.Rules.SafeHoursEnd < 0 || c.Rules.SafeHoursEnd > 24 {
		return fmt.Errorf("rules.safe_hours window [%d, %d) out of range",
			c.Rules.SafeHoursStart, c.Rules.SafeHoursEnd)
	}
	for _, d := range c.Rules.SafeWeekdays {
		if d < 0 || d > 6 {
			return fmt.Errorf("rules.safe_weekdays entry %d out of range 0..6", d)
		}
	}
	if _, _, err := ParseClock(c.Rules.LateNightStartTime); err != nil {
		return fmt.Errorf("rules.late_night_start_time: %w", err)
	}
	if _, _, err := ParseClock(c.Rules.LateNightEndTime); err != nil {
		return fmt.Errorf("rules.late_night_end_time: %w", err)
	}
	if c.Thresholds.ScanEfficiencyMin < 0 || c.Thresholds.ScanEfficiencyMin > 1 {
		return fmt.Errorf("thresholds.scan_efficiency_min %v out of [0,1]", c.Thresholds.ScanEfficiencyMin)
	}
	if (c.Whitelists.MaintenanceWindowStart == "") != (c.Whitelists.MaintenanceWindowEnd == "") {
		return fmt.Errorf("whitelists.maintenance_window_start/end must be set together")
	}
	if c.Whitelists.MaintenanceWindowStart != "" {
		if _, _, err := ParseClock(c.Whitelists.MaintenanceWindowStart); err != nil {
			return fmt.Errorf("whitelists.maintenance_window_start: %w", err)
		}
		if _, _, err := ParseClock(c.Whitelists.MaintenanceWindowEnd); err != nil {
			return fmt.Errorf("whitelists.maintenance_window_end: %w", err)
		}
	}
	return nil
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock value %q out of range", s)
	}
	return hour, minute, nil
}

// StreamKey returns the partition key for the configured source DBMS.
func (c *Config) StreamKey() string { return "uba:logs:" + c.SourceDBMS }

// QuarantineKey returns the manual-review stream for poisoned batches.
func (c *Config) QuarantineKey() string { return "uba:quarantine:" + c.SourceDBMS }

// ResponseKey is the stream carrying active-response orders.
func (c *Config) ResponseKey() string { return "uba:response" }

// StateDir is where cursors, profiles and status files live.
func (c *Config) StateDir() string { return filepath.Join(c.LogsDir, "state") }

// StagingDir holds open daily parquet files.
func (c *Config) StagingDir() string { return filepath.Join(c.LogsDir, "staging") }

// ArchiveDir holds promoted daily parquet files.
func (c *Config) ArchiveDir() string { return filepath.Join(c.LogsDir, "archive") }

// ProfileDir holds the per-user model blobs.
func (c *Config) ProfileDir() string { return filepath.Join(c.LogsDir, "profiles") }

// FeedbackPath is the supervised-override training file.
func (c *Config) FeedbackPath() string { return filepath.Join(c.LogsDir, "feedback.csv") }
