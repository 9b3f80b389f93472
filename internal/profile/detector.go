package profile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
)

// feedbackMinRows is the smallest labeled set the supervised override will
// train on. Below it the detector stays unsupervised.
const feedbackMinRows = 20

// Detector scores events against behavioral profiles in three tiers:
// a supervised classifier fitted from operator feedback when enough labels
// exist, otherwise the event user's own isolation forest, otherwise the
// global forest. Tier choice is recorded on every finding.
type Detector struct {
	store      *Store
	minSamples int
	log        *zap.Logger

	logit       *Logit
	logitScaler *Scaler
}

// NewDetector wires the detector over a model store.
func NewDetector(store *Store, minSamples int, logger *zap.Logger) *Detector {
	return &Detector{store: store, minSamples: minSamples, log: logger}
}

// Observe records one event's vector into the training history. Call it for
// every event, anomalous or not; the models learn the real traffic mix.
func (d *Detector) Observe(user string, f *feature.Features) {
	d.store.Observe(user, Vectorize(f))
}

// Detect scores one event. A nil return means no tier flagged it (or no
// tier is trained yet).
func (d *Detector) Detect(user string, e *feature.EnrichedEvent) *event.EventAnomaly {
	vec := Vectorize(&e.Features)

	if d.logit != nil {
		p := d.logit.Prob(d.logitScaler.Transform(vec))
		if p < 0.5 {
			return nil
		}
		return d.finding(e, p, event.AnalysisSupervisedFeedback,
			fmt.Sprintf("feedback classifier probability %.2f", p))
	}

	key := GlobalKey
	analysis := event.AnalysisGlobalFallback
	if d.store.SampleCount(user) >= d.minSamples {
		key = user
		analysis = event.AnalysisPerUserProfile
	}
	m := d.store.Ensure(key, d.minSamples, time.Now().UnixNano())
	if m == nil || m.Forest == nil {
		return nil
	}

	outlier, score := m.Forest.IsOutlier(m.Scaler.Transform(vec))
	if !outlier {
		return nil
	}
	scope := "user"
	if key == GlobalKey {
		scope = "global"
	}
	return d.finding(e, score, analysis,
		fmt.Sprintf("isolation score %.3f above %s profile threshold %.3f",
			score, scope, m.Forest.Threshold))
}

func (d *Detector) finding(e *feature.EnrichedEvent, score float64, analysis event.AnalysisType, reason string) *event.EventAnomaly {
	return &event.EventAnomaly{
		TS:            e.TS,
		User:          e.User,
		Database:      e.Database,
		SQLText:       e.SQLText,
		AnomalyType:   event.TypeComplexity,
		BehaviorGroup: event.GroupMLDetected,
		Reason:        reason,
		Score:         event.Score(score),
		AnalysisType:  analysis,
	}
}

// ReloadFeedback re-reads the operator feedback file and, when it carries
// enough labeled rows of both classes, fits the supervised override. An
// absent file simply disables the override. The engine's cron drives this
// alongside the stale-model refresh.
func (d *Detector) ReloadFeedback(path string) error {
	rows, labels, err := readFeedback(path)
	if errors.Is(err, os.ErrNotExist) {
		d.logit = nil
		return nil
	}
	if err != nil {
		return err
	}

	var pos, neg int
	for _, l := range labels {
		if l == 1 {
			pos++
		} else {
			neg++
		}
	}
	if len(rows) < feedbackMinRows || pos == 0 || neg == 0 {
		d.log.Info("feedback set too small for supervised override",
			zap.Int("rows", len(rows)),
			zap.Int("positive", pos),
			zap.Int("negative", neg),
		)
		d.logit = nil
		return nil
	}

	scaler := FitScaler(rows)
	scaled := make([][]float64, len(rows))
	for i, r := range rows {
		scaled[i] = scaler.Transform(r)
	}
	d.logit = FitLogit(scaled, labels)
	d.logitScaler = scaler
	d.log.Info("supervised override fitted",
		zap.Int("rows", len(rows)),
		zap.Int("positive", pos),
	)
	return nil
}

// readFeedback parses the feedback CSV. The header must name every entry of
// FeatureNames plus is_anomaly; extra columns are ignored. is_anomaly is
// authoritative: rows are labeled by it regardless of how the event was
// originally scored.
func readFeedback(path string) ([][]float64, []float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("feedback header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	labelIdx, ok := col["is_anomaly"]
	if !ok {
		return nil, nil, errors.New("feedback file missing is_anomaly column")
	}
	idx := make([]int, len(FeatureNames))
	for i, name := range FeatureNames {
		j, ok := col[name]
		if !ok {
			return nil, nil, fmt.Errorf("feedback file missing column %s", name)
		}
		idx[i] = j
	}

	var rows [][]float64
	var labels []float64
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("feedback line %d: %w", line, err)
		}
		vec := make([]float64, len(idx))
		bad := false
		for i, j := range idx {
			if j >= len(rec) {
				bad = true
				break
			}
			v, err := strconv.ParseFloat(rec[j], 64)
			if err != nil {
				bad = true
				break
			}
			vec[i] = v
		}
		if bad || labelIdx >= len(rec) {
			continue
		}
		label, err := parseLabel(rec[labelIdx])
		if err != nil {
			continue
		}
		rows = append(rows, vec)
		labels = append(labels, label)
	}
	return rows, labels, nil
}

func parseLabel(s string) (float64, error) {
	switch s {
	case "1", "true", "True", "TRUE", "t":
		return 1, nil
	case "0", "false", "False", "FALSE", "f":
		return 0, nil
	}
	return 0, fmt.Errorf("not a label: %q", s)
}
