package feature_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/uba-pipeline/internal/feature"
)

func TestWindowedCountsPruneOldSamples(t *testing.T) {
	w := feature.NewWindows(100)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	var f feature.Features
	w.Observe("alice", base, 10, false, 1, &f)
	w.Observe("alice", base.Add(time.Minute), 20, true, 1, &f)

	f = feature.Features{}
	w.Observe("alice", base.Add(2*time.Minute), 30, false, 1, &f)
	assert.Equal(t, 3, f.QueryCount5m)
	assert.Equal(t, 1, f.ErrorCount5m)
	assert.Equal(t, int64(60), f.TotalRows5m)
	assert.InDelta(t, 60.0/300.0, f.DataRetrievalSpeed, 1e-9)

	// Six minutes later the first two samples are outside the window.
	f = feature.Features{}
	w.Observe("alice", base.Add(7*time.Minute), 5, false, 1, &f)
	assert.Equal(t, 2, f.QueryCount5m)
	assert.Equal(t, 0, f.ErrorCount5m)
	assert.Equal(t, int64(35), f.TotalRows5m)
}

func TestWindowsAreIsolatedPerUser(t *testing.T) {
	w := feature.NewWindows(100)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	var f feature.Features
	w.Observe("alice", base, 100, false, 1, &f)

	f = feature.Features{}
	w.Observe("bob", base.Add(time.Second), 1, false, 1, &f)
	assert.Equal(t, 1, f.QueryCount5m)
	assert.Equal(t, int64(1), f.TotalRows5m)
}

func TestZScoreGatedByMinSamples(t *testing.T) {
	const minSamples = 5
	w := feature.NewWindows(minSamples)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// First minSamples observations: history too small, z-scores nil.
	for i := 0; i < minSamples; i++ {
		var f feature.Features
		w.Observe("alice", base.Add(time.Duration(i)*time.Second), 10, false, 100, &f)
		assert.Nil(t, f.ExecutionTimeMsZScore, "observation %d", i)
		assert.Nil(t, f.RowsReturnedZScore, "observation %d", i)
	}
	assert.Equal(t, minSamples, w.SampleCount("alice"))

	// The next one crosses the threshold and is scored against history.
	var f feature.Features
	w.Observe("alice", base.Add(time.Minute), 10, false, 100, &f)
	require.NotNil(t, f.ExecutionTimeMsZScore)
	require.NotNil(t, f.RowsReturnedZScore)
	assert.Zero(t, *f.ExecutionTimeMsZScore, "identical to history mean")
}

func TestZScoreFlagsSpikeAgainstFlatHistory(t *testing.T) {
	const minSamples = 5
	w := feature.NewWindows(minSamples)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	for i := 0; i < minSamples; i++ {
		var f feature.Features
		w.Observe("alice", base.Add(time.Duration(i)*time.Second), 10, false, 100, &f)
	}

	// A 100x spike over a zero-variance history: clamped, not Inf.
	var f feature.Features
	w.Observe("alice", base.Add(time.Minute), 1000, false, 10000, &f)
	require.NotNil(t, f.ExecutionTimeMsZScore)
	assert.Equal(t, 10.0, *f.ExecutionTimeMsZScore)
	assert.Equal(t, 10.0, *f.RowsReturnedZScore)
}
