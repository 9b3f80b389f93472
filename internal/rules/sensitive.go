package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
)

// SensitiveAccessRule flags access to configured sensitive tables unless the
// event satisfies all three safety conditions: an allowed user, inside safe
// hours, on a safe weekday. The reason enumerates exactly which conditions
// failed.
type SensitiveAccessRule struct {
	sensitiveTables map[string]bool
	allowedUsers    map[string]bool
	safeHoursStart  int
	safeHoursEnd    int
	safeWeekdays    map[int]bool
}

// NewSensitiveAccessRule compiles the rule from config.
func NewSensitiveAccessRule(cfg *config.Config) *SensitiveAccessRule {
	weekdays := make(map[int]bool, len(cfg.Rules.SafeWeekdays))
	for _, d := range cfg.Rules.SafeWeekdays {
		weekdays[d] = true
	}
	return &SensitiveAccessRule{
		sensitiveTables: lowerSet(cfg.Signatures.SensitiveTables),
		allowedUsers:    toSet(cfg.Rules.AllowedUsersSensitive),
		safeHoursStart:  cfg.Rules.SafeHoursStart,
		safeHoursEnd:    cfg.Rules.SafeHoursEnd,
		safeWeekdays:    weekdays,
	}
}

// Evaluate returns at most one finding per event.
func (r *SensitiveAccessRule) Evaluate(e *feature.EnrichedEvent) []event.EventAnomaly {
	if e.ParseFailed || len(r.sensitiveTables) == 0 {
		return nil
	}
	var touched []string
	for _, t := range e.AccessedTables {
		if r.sensitiveTables[t] {
			touched = append(touched, t)
		}
	}
	if len(touched) == 0 {
		return nil
	}

	var violations []string
	if !r.allowedUsers[e.User] {
		violations = append(violations, "user_not_allowed")
	}
	hour := e.TS.Hour()
	if hour < r.safeHoursStart || hour >= r.safeHoursEnd {
		violations = append(violations, "outside_safe_hours")
	}
	if !r.safeWeekdays[mondayIndexed(e.TS.Weekday())] {
		violations = append(violations, "outside_safe_weekdays")
	}
	if len(violations) == 0 {
		return nil
	}

	return []event.EventAnomaly{{
		TS:            e.TS,
		User:          e.User,
		Database:      e.Database,
		SQLText:       e.SQLText,
		AnomalyType:   event.TypeSensitiveAccess,
		BehaviorGroup: event.GroupInsiderThreat,
		Reason: fmt.Sprintf("sensitive table %s accessed: %s",
			strings.Join(touched, ","), strings.Join(violations, ", ")),
		AnalysisType: event.AnalysisRuleBased,
	}}
}

// mondayIndexed maps time.Weekday (Sunday=0) onto the config convention
// (Monday=0).
func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}
