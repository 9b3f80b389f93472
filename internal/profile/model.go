// Package profile implements the behavioral-outlier tier: per-user and
// global isolation-forest models over structural/lexical feature vectors,
// a supervised logistic override trained from operator feedback, and the
// copy-on-write on-disk model cache that backs them.
package profile

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/arc-self/uba-pipeline/internal/feature"
)

// FeatureNames is the fixed vectorization order. It is part of the persisted
// model format and of the feedback-CSV column mapping; do not reorder.
var FeatureNames = []string{
	"query_length", "query_entropy", "has_comment", "has_hex",
	"is_select_star", "has_into_outfile", "has_load_data",
	"num_tables", "num_joins", "num_where_conditions",
	"num_group_by_cols", "num_order_by_cols",
	"has_limit", "has_order_by", "has_subquery", "subquery_depth",
	"has_union", "has_where", "is_write_query", "is_ddl_query",
}

// Vectorize flattens the model-relevant features into the fixed order.
func Vectorize(f *feature.Features) []float64 {
	return []float64{
		float64(f.QueryLength), f.QueryEntropy, b2f(f.HasComment), b2f(f.HasHex),
		b2f(f.IsSelectStar), b2f(f.HasIntoOutfile), b2f(f.HasLoadData),
		float64(f.NumTables), float64(f.NumJoins), float64(f.NumWhereConditions),
		float64(f.NumGroupByCols), float64(f.NumOrderByCols),
		b2f(f.HasLimit), b2f(f.HasOrderBy), b2f(f.HasSubquery), float64(f.SubqueryDepth),
		b2f(f.HasUnion), b2f(f.HasWhere), b2f(f.IsWriteQuery), b2f(f.IsDDLQuery),
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Scaler standardizes each dimension to zero mean and unit variance. It is
// persisted alongside the model it was fitted with.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-dimension mean and stdev over rows.
func FitScaler(rows [][]float64) *Scaler {
	if len(rows) == 0 {
		return &Scaler{}
	}
	dims := len(rows[0])
	s := &Scaler{Mean: make([]float64, dims), Std: make([]float64, dims)}
	col := make([]float64, len(rows))
	for d := 0; d < dims; d++ {
		for i, r := range rows {
			col[i] = r[d]
		}
		mean, std := stat.MeanStdDev(col, nil)
		s.Mean[d] = mean
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Std[d] = std
	}
	return s
}

// Transform standardizes one vector.
func (s *Scaler) Transform(v []float64) []float64 {
	if len(s.Mean) != len(v) {
		return v
	}
	out := make([]float64, len(v))
	for i := range v {
		out[i] = (v[i] - s.Mean[i]) / s.Std[i]
	}
	return out
}

// ── isolation forest ──────────────────────────────────────────────────────

const (
	forestTrees     = 100
	forestSubsample = 256
)

// iTreeNode is one node of an isolation tree; leaves carry the sample count
// that ended there.
type iTreeNode struct {
	SplitDim int        `json:"d,omitempty"`
	SplitVal float64    `json:"v,omitempty"`
	Left     *iTreeNode `json:"l,omitempty"`
	Right    *iTreeNode `json:"r,omitempty"`
	Size     int        `json:"n,omitempty"`
}

// Forest is a fitted isolation forest with the decision threshold derived
// from the configured contamination at fit time.
type Forest struct {
	Trees     []*iTreeNode `json:"trees"`
	Samples   int          `json:"samples"`
	Threshold float64      `json:"threshold"`
}

// FitForest grows an isolation forest over standardized rows and sets the
// outlier threshold at the (1 - contamination) quantile of the training
// scores.
func FitForest(rows [][]float64, contamination float64, seed int64) *Forest {
	rng := rand.New(rand.NewSource(seed))
	n := len(rows)
	sub := forestSubsample
	if sub > n {
		sub = n
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sub)))) + 1

	f := &Forest{Samples: n}
	for t := 0; t < forestTrees; t++ {
		idx := rng.Perm(n)[:sub]
		sample := make([][]float64, sub)
		for i, j := range idx {
			sample[i] = rows[j]
		}
		f.Trees = append(f.Trees, growTree(sample, 0, maxDepth, rng))
	}

	scores := make([]float64, n)
	for i, r := range rows {
		scores[i] = f.Score(r)
	}
	sort.Float64s(scores)
	q := 1 - contamination
	if q < 0 {
		q = 0
	}
	pos := int(q * float64(n))
	if pos >= n {
		pos = n - 1
	}
	f.Threshold = scores[pos]
	return f
}

func growTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *iTreeNode {
	if len(rows) <= 1 || depth >= maxDepth {
		return &iTreeNode{Size: len(rows)}
	}
	dims := len(rows[0])

	// Pick a dimension that still varies; give up after a few draws.
	var dim int
	var lo, hi float64
	found := false
	for try := 0; try < dims; try++ {
		dim = rng.Intn(dims)
		lo, hi = rows[0][dim], rows[0][dim]
		for _, r := range rows {
			if r[dim] < lo {
				lo = r[dim]
			}
			if r[dim] > hi {
				hi = r[dim]
			}
		}
		if hi > lo {
			found = true
			break
		}
	}
	if !found {
		return &iTreeNode{Size: len(rows)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, r := range rows {
		if r[dim] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iTreeNode{Size: len(rows)}
	}
	return &iTreeNode{
		SplitDim: dim,
		SplitVal: split,
		Left:     growTree(left, depth+1, maxDepth, rng),
		Right:    growTree(right, depth+1, maxDepth, rng),
	}
}

// pathLength walks v down the tree, adding the usual c(n) adjustment at
// leaves holding more than one sample.
func pathLength(node *iTreeNode, v []float64, depth float64) float64 {
	if node.Left == nil {
		if node.Size > 1 {
			return depth + avgPathLength(float64(node.Size))
		}
		return depth
	}
	if v[node.SplitDim] < node.SplitVal {
		return pathLength(node.Left, v, depth+1)
	}
	return pathLength(node.Right, v, depth+1)
}

// avgPathLength is c(n), the average unsuccessful-search path length of a
// binary search tree over n items.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Score returns the anomaly score in (0, 1); higher is more isolated.
func (f *Forest) Score(v []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sub := forestSubsample
	if f.Samples < sub {
		sub = f.Samples
	}
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, v, 0)
	}
	mean := total / float64(len(f.Trees))
	c := avgPathLength(float64(sub))
	if c == 0 {
		return 0
	}
	return math.Pow(2, -mean/c)
}

// IsOutlier applies the fitted contamination threshold.
func (f *Forest) IsOutlier(v []float64) (bool, float64) {
	s := f.Score(v)
	return s > f.Threshold, s
}

// ── supervised override ───────────────────────────────────────────────────

// Logit is a logistic-regression classifier fitted on operator feedback.
type Logit struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// FitLogit trains by batch gradient descent on standardized rows with 0/1
// labels.
func FitLogit(rows [][]float64, labels []float64) *Logit {
	if len(rows) == 0 {
		return nil
	}
	dims := len(rows[0])
	m := &Logit{Weights: make([]float64, dims)}
	const (
		epochs = 300
		lr     = 0.1
	)
	n := float64(len(rows))
	for e := 0; e < epochs; e++ {
		grad := make([]float64, dims)
		var gradB float64
		for i, r := range rows {
			p := m.Prob(r)
			diff := p - labels[i]
			for d := range r {
				grad[d] += diff * r[d]
			}
			gradB += diff
		}
		for d := range grad {
			m.Weights[d] -= lr * grad[d] / n
		}
		m.Bias -= lr * gradB / n
	}
	return m
}

// Prob returns P(anomaly | v).
func (m *Logit) Prob(v []float64) float64 {
	z := m.Bias
	for d := range v {
		if d < len(m.Weights) {
			z += m.Weights[d] * v[d]
		}
	}
	return 1 / (1 + math.Exp(-z))
}
