// Package rules implements the layered detection model: signature rules,
// the sensitive-access rule, the multi-table session sweep, and the
// maintenance whitelist that gates all of them. Every threshold and list is
// injected from configuration — nothing is hard-coded — so tests drive each
// rule through the same config surface production uses.
package rules

import (
	"strings"
	"time"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/feature"
)

// Whitelist exempts maintenance activity from every rule group. Whitelisted
// events still flow to all_logs; they just never produce findings.
type Whitelist struct {
	users    map[string]bool
	keywords []string

	windowSet   bool
	winStartMin int
	winEndMin   int
}

// NewWhitelist builds the predicate from config. The window bounds are
// validated at load time; unparsable values here leave the window disabled.
func NewWhitelist(cfg *config.Config) *Whitelist {
	users := make(map[string]bool, len(cfg.Whitelists.MaintenanceUsers))
	for _, u := range cfg.Whitelists.MaintenanceUsers {
		users[u] = true
	}
	keywords := make([]string, len(cfg.Whitelists.MaintenanceKeywords))
	for i, k := range cfg.Whitelists.MaintenanceKeywords {
		keywords[i] = strings.ToLower(k)
	}
	w := &Whitelist{users: users, keywords: keywords}
	if cfg.Whitelists.MaintenanceWindowStart != "" && cfg.Whitelists.MaintenanceWindowEnd != "" {
		sh, sm, errS := config.ParseClock(cfg.Whitelists.MaintenanceWindowStart)
		eh, em, errE := config.ParseClock(cfg.Whitelists.MaintenanceWindowEnd)
		if errS == nil && errE == nil {
			w.windowSet = true
			w.winStartMin = sh*60 + sm
			w.winEndMin = eh*60 + em
		}
	}
	return w
}

// Allows reports whether the event is maintenance activity: a maintenance
// user, SQL containing a maintenance keyword, or an event inside the
// configured maintenance window.
func (w *Whitelist) Allows(e *feature.EnrichedEvent) bool {
	if w.users[e.User] {
		return true
	}
	lower := strings.ToLower(e.SQLText)
	for _, k := range w.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return w.inWindow(e.TS.Time)
}

// inWindow checks the daily [start, end) maintenance interval; it may cross
// midnight. An empty interval (start == end) matches nothing.
func (w *Whitelist) inWindow(ts time.Time) bool {
	if !w.windowSet || w.winStartMin == w.winEndMin {
		return false
	}
	minutes := ts.Hour()*60 + ts.Minute()
	if w.winStartMin < w.winEndMin {
		return minutes >= w.winStartMin && minutes < w.winEndMin
	}
	return minutes >= w.winStartMin || minutes < w.winEndMin
}
