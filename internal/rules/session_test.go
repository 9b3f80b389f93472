package rules_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
	"github.com/arc-self/uba-pipeline/internal/rules"
)

func sessionEvent(user string, ts time.Time, id int64, tables ...string) *feature.EnrichedEvent {
	e := &feature.EnrichedEvent{
		RawEvent: event.RawEvent{
			TS:       event.NewTimestamp(ts),
			EventID:  id,
			User:     user,
			Database: "shop",
			SQLText:  fmt.Sprintf("SELECT * FROM %s", tables[0]),
		},
	}
	e.AccessedTables = tables
	return e
}

func newAggregator(t *testing.T) *rules.Aggregator {
	cfg := config.Defaults() // window 5m, min_distinct_tables 4
	return rules.NewAggregator(&cfg, zaptest.NewLogger(t))
}

var sweepBase = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func TestSweepFlagsMultiTableSession(t *testing.T) {
	a := newAggregator(t)

	// Six queries over four distinct tables inside the window.
	batch := []*feature.EnrichedEvent{
		sessionEvent("mallory", sweepBase, 1, "shop.users"),
		sessionEvent("mallory", sweepBase.Add(10*time.Second), 2, "shop.orders"),
		sessionEvent("mallory", sweepBase.Add(20*time.Second), 3, "shop.payments"),
		sessionEvent("mallory", sweepBase.Add(30*time.Second), 4, "shop.users"),
		sessionEvent("mallory", sweepBase.Add(40*time.Second), 5, "shop.salaries"),
		sessionEvent("mallory", sweepBase.Add(50*time.Second), 6, "shop.orders"),
	}
	sessions, findings := a.Sweep(batch)

	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "mallory", s.User)
	assert.Equal(t, event.TypeMultiTable, s.AnomalyType)
	assert.Equal(t, 4, s.Severity, "severity is the distinct-table count")
	assert.Equal(t, "session", s.Scope)
	assert.True(t, s.StartTime.Equal(sweepBase))
	assert.True(t, s.EndTime.Equal(sweepBase.Add(50*time.Second)))

	var details event.SessionDetails
	require.NoError(t, json.Unmarshal(s.Details, &details))
	assert.Equal(t, []string{"shop.users", "shop.orders", "shop.payments", "shop.salaries"}, details.Tables)
	assert.Len(t, details.Queries, 6)

	// One per-query finding per statement in the session.
	require.Len(t, findings, 6)
	for _, f := range findings {
		assert.Equal(t, event.TypeMultiTable, f.AnomalyType)
		assert.Equal(t, event.GroupMultiTableAccess, f.BehaviorGroup)
		assert.Contains(t, f.Reason, "4 distinct tables")
	}
}

func TestSweepBelowThresholdStaysQuiet(t *testing.T) {
	a := newAggregator(t)

	batch := []*feature.EnrichedEvent{
		sessionEvent("alice", sweepBase, 1, "shop.users"),
		sessionEvent("alice", sweepBase.Add(time.Second), 2, "shop.orders"),
		sessionEvent("alice", sweepBase.Add(2*time.Second), 3, "shop.payments"),
	}
	sessions, findings := a.Sweep(batch)
	assert.Empty(t, sessions)
	assert.Empty(t, findings)
}

func TestSweepWindowExpiryStartsNewSession(t *testing.T) {
	a := newAggregator(t)

	// Two tables, then a gap past the window, then two more: neither span
	// reaches four distinct tables.
	batch := []*feature.EnrichedEvent{
		sessionEvent("alice", sweepBase, 1, "shop.users"),
		sessionEvent("alice", sweepBase.Add(time.Minute), 2, "shop.orders"),
		sessionEvent("alice", sweepBase.Add(10*time.Minute), 3, "shop.payments"),
		sessionEvent("alice", sweepBase.Add(11*time.Minute), 4, "shop.salaries"),
	}
	sessions, findings := a.Sweep(batch)
	assert.Empty(t, sessions)
	assert.Empty(t, findings)
}

func TestSweepOrdersByTimestampWithinBatch(t *testing.T) {
	a := newAggregator(t)

	// Delivered out of order; the sweep must sort by (ts, event_id).
	batch := []*feature.EnrichedEvent{
		sessionEvent("mallory", sweepBase.Add(30*time.Second), 4, "shop.salaries"),
		sessionEvent("mallory", sweepBase, 1, "shop.users"),
		sessionEvent("mallory", sweepBase.Add(20*time.Second), 3, "shop.payments"),
		sessionEvent("mallory", sweepBase.Add(10*time.Second), 2, "shop.orders"),
	}
	sessions, _ := a.Sweep(batch)
	require.Len(t, sessions, 1)

	var details event.SessionDetails
	require.NoError(t, json.Unmarshal(sessions[0].Details, &details))
	assert.Equal(t, []string{"shop.users", "shop.orders", "shop.payments", "shop.salaries"}, details.Tables)
}

func TestSweepIgnoresEventsBehindClosedSession(t *testing.T) {
	a := newAggregator(t)

	first := []*feature.EnrichedEvent{
		sessionEvent("mallory", sweepBase, 1, "shop.users"),
		sessionEvent("mallory", sweepBase.Add(10*time.Second), 2, "shop.orders"),
		sessionEvent("mallory", sweepBase.Add(20*time.Second), 3, "shop.payments"),
		sessionEvent("mallory", sweepBase.Add(30*time.Second), 4, "shop.salaries"),
	}
	sessions, _ := a.Sweep(first)
	require.Len(t, sessions, 1, "qualified open session emitted at batch end")

	// A straggler older than the closed session's upper bound must not
	// reopen or extend anything.
	late := []*feature.EnrichedEvent{
		sessionEvent("mallory", sweepBase.Add(5*time.Second), 5, "shop.audit"),
	}
	sessions, findings := a.Sweep(late)
	assert.Empty(t, sessions)
	assert.Empty(t, findings)
}

func TestSweepKeepsSessionsOpenAcrossBatches(t *testing.T) {
	a := newAggregator(t)

	// Two tables in the first batch: below threshold, stays open.
	sessions, _ := a.Sweep([]*feature.EnrichedEvent{
		sessionEvent("alice", sweepBase, 1, "shop.users"),
		sessionEvent("alice", sweepBase.Add(10*time.Second), 2, "shop.orders"),
	})
	require.Empty(t, sessions)

	// Two more tables within the same window in the next batch.
	sessions, findings := a.Sweep([]*feature.EnrichedEvent{
		sessionEvent("alice", sweepBase.Add(20*time.Second), 3, "shop.payments"),
		sessionEvent("alice", sweepBase.Add(30*time.Second), 4, "shop.salaries"),
	})
	require.Len(t, sessions, 1)
	assert.Equal(t, 4, sessions[0].Severity)
	assert.Len(t, findings, 4, "per-query findings cover the whole session")
}

func TestFlushEmitsQualifiedOpenSessions(t *testing.T) {
	a := newAggregator(t)

	// Keep the open session below threshold so Sweep does not emit it.
	sessions, _ := a.Sweep([]*feature.EnrichedEvent{
		sessionEvent("alice", sweepBase, 1, "shop.users"),
		sessionEvent("alice", sweepBase.Add(time.Second), 2, "shop.orders"),
		sessionEvent("alice", sweepBase.Add(2*time.Second), 3, "shop.payments"),
	})
	require.Empty(t, sessions)

	sessions, findings := a.Flush()
	assert.Empty(t, sessions, "below threshold even at flush")
	assert.Empty(t, findings)
}
