package feature_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
)

func newExtractor() *feature.Extractor {
	cfg := config.Defaults()
	return feature.NewExtractor(&cfg)
}

func rawAt(ts time.Time, sqlText string) *event.RawEvent {
	return &event.RawEvent{
		TS:       event.NewTimestamp(ts),
		User:     "app_rw",
		Database: "shop",
		SQLText:  sqlText,
	}
}

// Tuesday mid-morning: work hours, not late night.
var workdayMorning = time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)

func TestExtractSelectFeatures(t *testing.T) {
	x := newExtractor()
	e := rawAt(workdayMorning,
		"SELECT * FROM orders o JOIN customers c ON o.cust_id = c.id WHERE o.total > 100 AND c.region = 'EU' ORDER BY o.total LIMIT 10")
	e.RowsReturned = 10
	e.RowsExamined = 99

	f := x.Extract(e)

	assert.False(t, f.ParseFailed)
	assert.True(t, f.IsSelectStar)
	assert.Equal(t, 1, f.NumJoins)
	assert.True(t, f.HasWhere)
	assert.Equal(t, 2, f.NumWhereConditions)
	assert.True(t, f.HasOrderBy)
	assert.Equal(t, 1, f.NumOrderByCols)
	assert.True(t, f.HasLimit)
	assert.False(t, f.HasSubquery)
	assert.False(t, f.IsWriteQuery)
	assert.ElementsMatch(t, []string{"shop.orders", "shop.customers"}, f.AccessedTables)
	assert.InDelta(t, 0.1, f.ScanEfficiency, 1e-9)
	assert.True(t, f.IsWorkHours)
	assert.False(t, f.IsLateNight)
}

func TestExtractBackfillsNormalizedSQLAndDigest(t *testing.T) {
	x := newExtractor()
	e := rawAt(workdayMorning, "SELECT name FROM users WHERE id = 42")

	x.Extract(e)

	require.NotEmpty(t, e.NormalizedSQL)
	assert.NotContains(t, e.NormalizedSQL, "42", "literals must be elided")
	assert.Len(t, e.Digest, 16)
}

func TestExtractSubqueryDepth(t *testing.T) {
	x := newExtractor()
	e := rawAt(workdayMorning,
		"SELECT id FROM a WHERE id IN (SELECT a_id FROM b WHERE b_id IN (SELECT id FROM c))")

	f := x.Extract(e)

	assert.True(t, f.HasSubquery)
	assert.Equal(t, 2, f.SubqueryDepth)
}

func TestExtractSuspiciousAndUnion(t *testing.T) {
	x := newExtractor()
	e := rawAt(workdayMorning,
		"SELECT name FROM users WHERE id = 1 UNION SELECT SLEEP(5)")

	f := x.Extract(e)

	assert.True(t, f.HasUnion)
	assert.True(t, f.IsSuspiciousFunc)
}

func TestExtractWriteAndRiskyCommands(t *testing.T) {
	x := newExtractor()

	f := x.Extract(rawAt(workdayMorning, "DELETE FROM carts WHERE updated_at < '2026-01-01'"))
	assert.True(t, f.IsWriteQuery)
	assert.False(t, f.IsRiskyCommand)

	f = x.Extract(rawAt(workdayMorning, "DROP TABLE scratch_tmp"))
	assert.True(t, f.IsRiskyCommand)
	assert.True(t, f.IsDDLQuery)
}

func TestExtractPrivilegeChange(t *testing.T) {
	x := newExtractor()
	f := x.Extract(rawAt(workdayMorning, "GRANT ALL PRIVILEGES ON shop.* TO 'eve'@'%'"))
	assert.True(t, f.IsPrivilegeChange)
	assert.True(t, f.IsAdminCommand)
}

func TestExtractSystemTable(t *testing.T) {
	x := newExtractor()
	f := x.Extract(rawAt(workdayMorning, "SELECT user, host FROM mysql.user"))
	assert.True(t, f.IsSystemTable)
}

func TestExtractHexAndOutfile(t *testing.T) {
	x := newExtractor()
	f := x.Extract(rawAt(workdayMorning,
		"SELECT 0xdeadbeef INTO OUTFILE '/tmp/x'"))
	assert.True(t, f.HasHex)
	assert.True(t, f.HasIntoOutfile)
}

func TestExtractMalformedSQLNeverPanics(t *testing.T) {
	x := newExtractor()
	for _, sqlText := range []string{
		"",
		"%%%%",
		"SELECT FROM WHERE",
		")))(((",
	} {
		e := rawAt(workdayMorning, sqlText)
		assert.NotPanics(t, func() { x.Extract(e) }, "input %q", sqlText)
	}
}

func TestLateNightWindowCrossesMidnight(t *testing.T) {
	x := newExtractor() // defaults: 23:00-06:00

	tests := []struct {
		clock string
		want  bool
	}{
		{"22:59", false},
		{"23:00", true}, // inclusive start
		{"02:30", true},
		{"05:59", true},
		{"06:00", false}, // exclusive end
		{"12:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.clock, func(t *testing.T) {
			h, m, err := config.ParseClock(tt.clock)
			require.NoError(t, err)
			ts := time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
			f := x.Extract(rawAt(ts, "SELECT 1"))
			assert.Equal(t, tt.want, f.IsLateNight)
		})
	}
}

func TestWorkHoursRespectsWeekday(t *testing.T) {
	x := newExtractor()

	saturday := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	f := x.Extract(rawAt(saturday, "SELECT 1"))
	assert.False(t, f.IsWorkHours)

	monday := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	f = x.Extract(rawAt(monday, "SELECT 1"))
	assert.True(t, f.IsWorkHours)
}

func TestShannonEntropy(t *testing.T) {
	assert.Zero(t, feature.ShannonEntropy(""))
	assert.Zero(t, feature.ShannonEntropy("aaaa"))
	assert.InDelta(t, 1.0, feature.ShannonEntropy("abab"), 1e-9)

	// Entropy never exceeds log2 of the alphabet size.
	h := feature.ShannonEntropy("SELECT * FROM t WHERE a = 0x41414141")
	assert.Less(t, h, math.Log2(256))
	assert.Positive(t, h)
}
