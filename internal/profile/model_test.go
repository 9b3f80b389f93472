package profile

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/uba-pipeline/internal/feature"
)

func TestVectorizeMatchesFeatureNames(t *testing.T) {
	f := &feature.Features{QueryLength: 30, QueryEntropy: 4.2, NumTables: 2, HasWhere: true}
	vec := Vectorize(f)

	require.Len(t, vec, len(FeatureNames))
	assert.Equal(t, 30.0, vec[0])  // query_length
	assert.Equal(t, 4.2, vec[1])   // query_entropy
	assert.Equal(t, 2.0, vec[7])   // num_tables
	assert.Equal(t, 1.0, vec[17])  // has_where
	assert.Equal(t, 0.0, vec[18])  // is_write_query
}

func TestScalerStandardizes(t *testing.T) {
	rows := [][]float64{{0, 10}, {2, 10}, {4, 10}}
	s := FitScaler(rows)

	out := s.Transform([]float64{2, 10})
	assert.InDelta(t, 0, out[0], 1e-9)
	assert.InDelta(t, 0, out[1], 1e-9, "zero-variance dim maps to 0, not NaN")

	out = s.Transform([]float64{4, 11})
	assert.Positive(t, out[0])
	assert.Equal(t, 1.0, out[1], "zero-variance std defaults to 1")
}

// clusteredRows builds a tight normal-ish cluster with rng noise.
func clusteredRows(rng *rand.Rand, n, dims int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, dims)
		for d := range row {
			row[d] = rng.NormFloat64()
		}
		rows[i] = row
	}
	return rows
}

func TestForestSeparatesFarOutlier(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows := clusteredRows(rng, 400, 4)
	f := FitForest(rows, 0.05, 1)

	inlier := []float64{0.1, -0.2, 0.05, 0}
	outlier := []float64{25, -30, 40, -25}

	assert.Greater(t, f.Score(outlier), f.Score(inlier))

	flagged, score := f.IsOutlier(outlier)
	assert.True(t, flagged)
	assert.Greater(t, score, f.Threshold)

	flagged, _ = f.IsOutlier(inlier)
	assert.False(t, flagged)
}

func TestForestThresholdTracksContamination(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	rows := clusteredRows(rng, 500, 4)
	f := FitForest(rows, 0.05, 2)

	// Roughly the contamination share of the training set scores above the
	// threshold; quantile granularity allows some slack.
	over := 0
	for _, r := range rows {
		if flagged, _ := f.IsOutlier(r); flagged {
			over++
		}
	}
	assert.InDelta(t, 25, over, 15, "expected ~5%% of 500")
}

func TestForestSurvivesJSONRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	rows := clusteredRows(rng, 300, 3)
	f := FitForest(rows, 0.05, 3)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	var back Forest
	require.NoError(t, json.Unmarshal(data, &back))

	probe := []float64{9, -9, 9}
	assert.InDelta(t, f.Score(probe), back.Score(probe), 1e-12)
	assert.Equal(t, f.Threshold, back.Threshold)
}

func TestForestDegenerateInput(t *testing.T) {
	// All-identical rows: no dimension varies, trees are single leaves.
	rows := make([][]float64, 50)
	for i := range rows {
		rows[i] = []float64{1, 1, 1}
	}
	f := FitForest(rows, 0.05, 4)
	assert.NotPanics(t, func() { f.Score([]float64{1, 1, 1}) })
}

func TestLogitLearnsSeparableLabels(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	var rows [][]float64
	var labels []float64
	for i := 0; i < 200; i++ {
		// Positive class sits at +2 on dim 0, negative at -2.
		center := -2.0
		label := 0.0
		if i%2 == 0 {
			center, label = 2.0, 1.0
		}
		rows = append(rows, []float64{center + rng.NormFloat64()*0.3, rng.NormFloat64()})
		labels = append(labels, label)
	}

	m := FitLogit(rows, labels)
	require.NotNil(t, m)

	assert.Greater(t, m.Prob([]float64{2, 0}), 0.9)
	assert.Less(t, m.Prob([]float64{-2, 0}), 0.1)
}
