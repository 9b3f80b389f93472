package rules

import (
	"fmt"
	"strings"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
)

// SignatureRules holds the single-event rules: injection signatures, risky
// DDL, privilege changes, resource abuse and the rest of the per-statement
// taxonomy. Each rule either fires one finding or stays silent.
type SignatureRules struct {
	thresholds config.Thresholds

	sqliSignatures     []string
	disallowedPrograms map[string]bool
	adminAllow         map[string]bool
	ddlAllowTables     map[string]bool
	largeDumpTables    map[string]bool
	restrictedUsers    map[string]bool
	allowedConnTypes   map[string]bool
	sensitiveTables    map[string]bool
}

// NewSignatureRules compiles the configured signature lists.
func NewSignatureRules(cfg *config.Config) *SignatureRules {
	return &SignatureRules{
		thresholds:         cfg.Thresholds,
		sqliSignatures:     upperAll(cfg.Signatures.SQLiKeywords),
		disallowedPrograms: toSet(cfg.Signatures.DisallowedPrograms),
		adminAllow:         toSet(cfg.Rules.AllowedUsersSensitive),
		ddlAllowTables:     lowerSet(cfg.Signatures.DDLAllowTables),
		largeDumpTables:    lowerSet(cfg.Signatures.LargeDumpTables),
		restrictedUsers:    toSet(cfg.Signatures.RestrictedConnectionUsers),
		allowedConnTypes:   lowerSet(cfg.Signatures.AllowedConnectionTypes),
		sensitiveTables:    lowerSet(cfg.Signatures.SensitiveTables),
	}
}

// Evaluate runs every signature rule against one enriched event and returns
// the findings. Structural features are skipped when parsing failed: absent
// is not zero.
func (r *SignatureRules) Evaluate(e *feature.EnrichedEvent) []event.EventAnomaly {
	var out []event.EventAnomaly
	emit := func(anomalyType string, group event.BehaviorGroup, reason string, score *float64) {
		out = append(out, event.EventAnomaly{
			TS:            e.TS,
			User:          e.User,
			Database:      e.Database,
			SQLText:       e.SQLText,
			AnomalyType:   anomalyType,
			BehaviorGroup: group,
			Reason:        reason,
			Score:         score,
			AnalysisType:  event.AnalysisRuleBased,
		})
	}

	upperSQL := strings.ToUpper(e.SQLText)
	upperNorm := strings.ToUpper(e.NormalizedSQL)

	// Match the raw text as well as the normalized form: obfuscation elides
	// the literals and comments several signatures key on ("OR 1=1", "--").
	for _, sig := range r.sqliSignatures {
		if strings.Contains(upperSQL, sig) || strings.Contains(upperNorm, sig) {
			emit(event.TypeSQLInjection, event.GroupTechnicalAttack,
				fmt.Sprintf("SQL injection signature %q matched", sig), event.Score(1.0))
			break
		}
	}

	if !e.ParseFailed {
		if e.IsRiskyCommand && !r.allTablesAllowed(e.AccessedTables) {
			emit(event.TypeRiskyDDL, event.GroupDataDestruction,
				"destructive DDL outside the allow-list", nil)
		}
		if e.IsPrivilegeChange && !r.adminAllow[e.User] {
			emit(event.TypePrivilegeChange, event.GroupTechnicalAttack,
				fmt.Sprintf("privilege change by non-admin user %s", e.User), nil)
		}
		if e.IsWriteQuery && e.RowsAffected >= r.thresholds.MassDeletionRows &&
			(strings.HasPrefix(strings.TrimSpace(upperSQL), "DELETE") ||
				strings.HasPrefix(strings.TrimSpace(upperSQL), "UPDATE")) {
			emit(event.TypeMassDeletion, event.GroupDataDestruction,
				fmt.Sprintf("%d rows affected (threshold %d)", e.RowsAffected, r.thresholds.MassDeletionRows), nil)
		}
		if rows := r.largeDumpRows(e); rows > 0 {
			emit(event.TypeLargeDump, event.GroupInsiderThreat,
				fmt.Sprintf("%d rows read from monitored dump table", rows), nil)
		}
	}

	if e.ExecutionTimeMs >= r.thresholds.ExecutionTimeLimitMs {
		emit(event.TypeLongRunning, event.GroupUnusualBehavior,
			fmt.Sprintf("execution time %.0fms exceeds limit %.0fms",
				e.ExecutionTimeMs, r.thresholds.ExecutionTimeLimitMs), nil)
	}
	if e.CPUTimeMs >= r.thresholds.CPUTimeLimitMs {
		emit(event.TypeCPUHog, event.GroupUnusualBehavior,
			fmt.Sprintf("cpu time %.0fms exceeds limit %.0fms",
				e.CPUTimeMs, r.thresholds.CPUTimeLimitMs), nil)
	}
	if e.ScanEfficiency < r.thresholds.ScanEfficiencyMin &&
		e.RowsExamined >= r.thresholds.ScanEfficiencyMinRows {
		emit(event.TypeLowScanEfficiency, event.GroupUnusualBehavior,
			fmt.Sprintf("scan efficiency %.4f below %.4f over %d examined rows",
				e.ScanEfficiency, r.thresholds.ScanEfficiencyMin, e.RowsExamined), nil)
	}
	if e.QueryEntropy > r.thresholds.MaxQueryEntropy {
		emit(event.TypeHighEntropy, event.GroupTechnicalAttack,
			fmt.Sprintf("query entropy %.2f exceeds %.2f",
				e.QueryEntropy, r.thresholds.MaxQueryEntropy), event.Score(1.0))
	}
	if e.ErrorCount5m >= r.thresholds.BruteForceAttempts {
		emit(event.TypeErrorBurst, event.GroupAccessAnomaly,
			fmt.Sprintf("%d errored statements in trailing window (threshold %d)",
				e.ErrorCount5m, r.thresholds.BruteForceAttempts), nil)
	}
	if e.ProgramName != "" && r.disallowedPrograms[e.ProgramName] {
		emit(event.TypeSuspiciousProgram, event.GroupTechnicalAttack,
			fmt.Sprintf("client program %q is disallowed", e.ProgramName), nil)
	}
	if e.WarningCount >= r.thresholds.WarningCountThreshold && r.thresholds.WarningCountThreshold > 0 {
		emit(event.TypeWarningBurst, event.GroupUnusualBehavior,
			fmt.Sprintf("%d warnings on one statement (threshold %d)",
				e.WarningCount, r.thresholds.WarningCountThreshold), nil)
	}
	if e.NoIndexUsed && e.RowsExamined >= r.thresholds.IndexEvasionMinRows {
		emit(event.TypeIndexEvasion, event.GroupUnusualBehavior,
			fmt.Sprintf("no index used over %d examined rows", e.RowsExamined), nil)
	}
	if r.restrictedUsers[e.User] && e.ConnectionType != "" &&
		!r.allowedConnTypes[strings.ToLower(e.ConnectionType)] {
		emit(event.TypeRestrictedConnection, event.GroupAccessAnomaly,
			fmt.Sprintf("restricted user %s connected via %s", e.User, e.ConnectionType), nil)
	}
	if e.IsLateNight && !e.ParseFailed && (e.IsWriteQuery || r.touchesSensitive(e.AccessedTables)) {
		emit(event.TypeLateNightAccess, event.GroupUnusualBehavior,
			"write or sensitive-table access in the late-night window", nil)
	}

	return out
}

// allTablesAllowed reports whether every table the DDL touches is in the
// allow-list; an empty allow-list allows nothing.
func (r *SignatureRules) allTablesAllowed(tables []string) bool {
	if len(r.ddlAllowTables) == 0 {
		return false
	}
	for _, t := range tables {
		if !r.ddlAllowTables[t] {
			return false
		}
	}
	return len(tables) > 0
}

// largeDumpRows returns RowsReturned when a SELECT reads a monitored dump
// table past the mass-row threshold, else 0.
func (r *SignatureRules) largeDumpRows(e *feature.EnrichedEvent) int64 {
	if e.IsWriteQuery || e.IsDDLQuery || e.RowsReturned < r.thresholds.MassDeletionRows {
		return 0
	}
	for _, t := range e.AccessedTables {
		if r.largeDumpTables[t] {
			return e.RowsReturned
		}
	}
	return 0
}

func (r *SignatureRules) touchesSensitive(tables []string) bool {
	for _, t := range tables {
		if r.sensitiveTables[t] {
			return true
		}
	}
	return false
}

func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

func lowerSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[strings.ToLower(s)] = true
	}
	return out
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
