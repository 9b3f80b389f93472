package feature

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// behaviorWindow is the trailing window used for per-user rate features.
const behaviorWindow = 5 * time.Minute

// sample is one observation retained for windowed and z-score features.
type sample struct {
	ts      time.Time
	rows    int64
	isError bool
	execMs  float64
}

// userWindow holds one user's trailing observations: a time-bounded deque
// for the 5-minute rate features and a count-bounded ring for z-scores.
type userWindow struct {
	recent []sample // trailing behaviorWindow, oldest first

	execHist []float64 // last zsampleCap executions
	rowsHist []float64
}

// Windows tracks per-user trailing state across batches. It is safe for
// concurrent use, though the engine drives it from a single goroutine.
type Windows struct {
	mu         sync.Mutex
	users      map[string]*userWindow
	minSamples int
}

// NewWindows creates the per-user window tracker; minSamples gates z-score
// emission (the same profile_min_samples threshold the outlier tier uses).
func NewWindows(minSamples int) *Windows {
	return &Windows{
		users:      make(map[string]*userWindow),
		minSamples: minSamples,
	}
}

// Observe records the event in the user's windows and fills the windowed and
// z-score features in f. The current event is included in its own window.
func (w *Windows) Observe(user string, ts time.Time, rowsReturned int64, isError bool, execMs float64, f *Features) {
	w.mu.Lock()
	defer w.mu.Unlock()

	uw := w.users[user]
	if uw == nil {
		uw = &userWindow{}
		w.users[user] = uw
	}

	// Z-scores are computed against history excluding the current event, so
	// a first-of-its-kind spike still stands out.
	if len(uw.execHist) >= w.minSamples {
		f.ExecutionTimeMsZScore = zscore(execMs, uw.execHist)
		f.RowsReturnedZScore = zscore(float64(rowsReturned), uw.rowsHist)
	}

	uw.recent = append(uw.recent, sample{ts: ts, rows: rowsReturned, isError: isError, execMs: execMs})
	cutoff := ts.Add(-behaviorWindow)
	start := 0
	for start < len(uw.recent) && uw.recent[start].ts.Before(cutoff) {
		start++
	}
	uw.recent = uw.recent[start:]

	for _, s := range uw.recent {
		f.QueryCount5m++
		if s.isError {
			f.ErrorCount5m++
		}
		f.TotalRows5m += s.rows
	}
	f.DataRetrievalSpeed = float64(f.TotalRows5m) / behaviorWindow.Seconds()

	uw.execHist = appendBounded(uw.execHist, execMs, 4*w.minSamples)
	uw.rowsHist = appendBounded(uw.rowsHist, float64(rowsReturned), 4*w.minSamples)
}

// SampleCount returns how many z-score observations are held for user.
func (w *Windows) SampleCount(user string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if uw := w.users[user]; uw != nil {
		return len(uw.execHist)
	}
	return 0
}

func zscore(x float64, hist []float64) *float64 {
	mean, std := stat.MeanStdDev(hist, nil)
	if std == 0 || len(hist) < 2 {
		zero := 0.0
		if x != mean {
			// Degenerate history: any deviation is infinitely surprising;
			// clamp rather than emit Inf into JSON.
			large := 10.0
			if x < mean {
				large = -10.0
			}
			return &large
		}
		return &zero
	}
	z := (x - mean) / std
	return &z
}

func appendBounded(hist []float64, v float64, bound int) []float64 {
	hist = append(hist, v)
	if len(hist) > bound {
		hist = hist[len(hist)-bound:]
	}
	return hist
}
