package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
)

// session is one user's open sliding window.
type session struct {
	start      time.Time
	end        time.Time
	tableOrder []string
	tables     map[string]bool
	queries    []event.SessionQueryRef
}

// Aggregator implements the multi-table session sweep: per user, a sliding
// window of up to the configured duration in which distinct accessed tables
// are counted. Sessions stay open across batches; an event older than the
// user's last closed-session upper bound is ignored for aggregation (it
// still reaches all_logs through the normal path).
type Aggregator struct {
	window      time.Duration
	minTables   int
	log         *zap.Logger
	open        map[string]*session
	closedUpper map[string]time.Time
}

// NewAggregator builds the sweep from config.
func NewAggregator(cfg *config.Config, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		window:      time.Duration(cfg.Rules.TimeWindowMinutes) * time.Minute,
		minTables:   cfg.Rules.MinDistinctTables,
		log:         logger,
		open:        make(map[string]*session),
		closedUpper: make(map[string]time.Time),
	}
}

// Sweep processes one batch. Events are ordered per user by (ts, event_id),
// falling back to batch insertion order for full ties. Qualified sessions
// produce one SessionAnomaly plus one EventAnomaly per statement inside the
// session. At batch end, open sessions that already qualify are emitted and
// closed; the rest stay open for the next batch.
func (a *Aggregator) Sweep(batch []*feature.EnrichedEvent) ([]event.SessionAnomaly, []event.EventAnomaly) {
	type indexed struct {
		e   *feature.EnrichedEvent
		pos int
	}
	byUser := make(map[string][]indexed)
	for i, e := range batch {
		if e.User == "" {
			continue
		}
		byUser[e.User] = append(byUser[e.User], indexed{e: e, pos: i})
	}

	var sessions []event.SessionAnomaly
	var findings []event.EventAnomaly

	for user, events := range byUser {
		sort.SliceStable(events, func(i, j int) bool {
			ti, tj := events[i].e.TS.Time, events[j].e.TS.Time
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			if events[i].e.EventID != events[j].e.EventID {
				return events[i].e.EventID < events[j].e.EventID
			}
			return events[i].pos < events[j].pos
		})

		for _, ie := range events {
			e := ie.e
			ts := e.TS.Time
			if upper, ok := a.closedUpper[user]; ok && ts.Before(upper) {
				continue // arrived after its window already closed
			}
			s := a.open[user]
			if s == nil {
				a.open[user] = newSession(e)
				continue
			}
			if ts.Sub(s.start) > a.window {
				if anomaly, perQuery := a.close(user, s); anomaly != nil {
					sessions = append(sessions, *anomaly)
					findings = append(findings, perQuery...)
				}
				a.open[user] = newSession(e)
				continue
			}
			s.extend(e)
		}
	}

	// End of batch: emit sessions that already qualify so detections are not
	// delayed by a quiet stream; the window may not be extended further for
	// an emitted session.
	for user, s := range a.open {
		if len(s.tables) >= a.minTables {
			if anomaly, perQuery := a.close(user, s); anomaly != nil {
				sessions = append(sessions, *anomaly)
				findings = append(findings, perQuery...)
			}
			delete(a.open, user)
		}
	}

	return sessions, findings
}

// Flush closes every open session, emitting the qualified ones. Called on
// shutdown drain.
func (a *Aggregator) Flush() ([]event.SessionAnomaly, []event.EventAnomaly) {
	var sessions []event.SessionAnomaly
	var findings []event.EventAnomaly
	for user, s := range a.open {
		if anomaly, perQuery := a.close(user, s); anomaly != nil {
			sessions = append(sessions, *anomaly)
			findings = append(findings, perQuery...)
		}
		delete(a.open, user)
	}
	return sessions, findings
}

func newSession(e *feature.EnrichedEvent) *session {
	s := &session{
		start:  e.TS.Time,
		end:    e.TS.Time,
		tables: make(map[string]bool),
	}
	s.extend(e)
	return s
}

func (s *session) extend(e *feature.EnrichedEvent) {
	if ts := e.TS.Time; ts.After(s.end) {
		s.end = ts
	}
	if s.start.IsZero() || e.TS.Before(s.start) {
		s.start = e.TS.Time
	}
	for _, t := range e.AccessedTables {
		if !s.tables[t] {
			s.tables[t] = true
			s.tableOrder = append(s.tableOrder, t)
		}
	}
	s.queries = append(s.queries, event.SessionQueryRef{
		TS:       e.TS,
		SQLText:  e.SQLText,
		Database: e.Database,
		Tables:   e.AccessedTables,
	})
}

// close records the session upper bound and, when the distinct-table count
// qualifies, builds the SessionAnomaly and the per-query findings.
func (a *Aggregator) close(user string, s *session) (*event.SessionAnomaly, []event.EventAnomaly) {
	if prev, ok := a.closedUpper[user]; !ok || s.end.After(prev) {
		a.closedUpper[user] = s.end
	}
	if len(s.tables) < a.minTables {
		return nil, nil
	}

	details, err := json.Marshal(event.SessionDetails{
		Tables:  s.tableOrder,
		Queries: s.queries,
	})
	if err != nil {
		a.log.Error("session details marshal failed", zap.Error(err))
		details = []byte("{}")
	}

	anomaly := &event.SessionAnomaly{
		User:        user,
		StartTime:   event.NewTimestamp(s.start),
		EndTime:     event.NewTimestamp(s.end),
		AnomalyType: event.TypeMultiTable,
		Severity:    len(s.tables),
		Details:     details,
		Scope:       "session",
	}

	reason := fmt.Sprintf("part of a session touching %d distinct tables: %s",
		len(s.tables), strings.Join(s.tableOrder, ", "))
	perQuery := make([]event.EventAnomaly, 0, len(s.queries))
	for _, q := range s.queries {
		perQuery = append(perQuery, event.EventAnomaly{
			TS:            q.TS,
			User:          user,
			Database:      q.Database,
			SQLText:       q.SQLText,
			AnomalyType:   event.TypeMultiTable,
			BehaviorGroup: event.GroupMultiTableAccess,
			Reason:        reason,
			AnalysisType:  event.AnalysisRuleBased,
		})
	}
	return anomaly, perQuery
}
