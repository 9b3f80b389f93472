package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GlobalKey names the fallback model trained on the union of all users.
const GlobalKey = "__global__"

const (
	// contamination is the expected outlier fraction for the unsupervised
	// models.
	contamination = 0.05
	// refitGrowth triggers a refit once the sample count has grown by this
	// fraction since the last fit.
	refitGrowth = 0.20
	// staleAfter forces a refit regardless of growth.
	staleAfter = 24 * time.Hour
	// historyCap bounds the in-memory training buffer per key.
	historyCap = 5000
)

// Model is the persisted per-user (or global) profile: the fitted scaler,
// the outlier forest, and bookkeeping for refit decisions. The on-disk form
// is an opaque JSON blob keyed by user.
type Model struct {
	User        string    `json:"user"`
	SampleCount int       `json:"sample_count"`
	FittedAt    time.Time `json:"fitted_at"`
	Scaler      *Scaler   `json:"scaler"`
	Forest      *Forest   `json:"forest"`
}

// Store owns the model cache and the per-key training history. Models are
// copy-on-write: refitting builds a replacement and publishes it atomically;
// readers holding the old pointer finish on it.
type Store struct {
	dir string
	log *zap.Logger

	mu      sync.RWMutex
	models  map[string]*Model
	history map[string][][]float64
	counts  map[string]int
}

// NewStore creates the profile directory and an empty cache; models load
// lazily on first use.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("profile dir: %w", err)
	}
	return &Store{
		dir:     dir,
		log:     logger,
		models:  make(map[string]*Model),
		history: make(map[string][][]float64),
		counts:  make(map[string]int),
	}, nil
}

// Observe appends one training vector to the user's history and the global
// pool.
func (s *Store) Observe(user string, vec []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{user, GlobalKey} {
		h := append(s.history[key], vec)
		if len(h) > historyCap {
			h = h[len(h)-historyCap:]
		}
		s.history[key] = h
		s.counts[key]++
	}
}

// SampleCount reports the total observations recorded for key.
func (s *Store) SampleCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[key]
}

// Get returns the current model for key, loading from disk on first access.
// Returns nil when no model has ever been fitted.
func (s *Store) Get(key string) *Model {
	s.mu.RLock()
	m, cached := s.models[key]
	s.mu.RUnlock()
	if cached {
		return m
	}

	m, err := s.load(key)
	if err != nil {
		s.log.Warn("profile load failed", zap.String("key", key), zap.Error(err))
		m = nil
	}
	s.mu.Lock()
	if existing, ok := s.models[key]; ok {
		m = existing // another goroutine loaded meanwhile
	} else {
		s.models[key] = m
	}
	s.mu.Unlock()
	return m
}

// Ensure returns a model for key fitted over at least minSamples history
// rows, refitting when the model is missing, stale, or outgrown. Returns nil
// when the history is still too small.
func (s *Store) Ensure(key string, minSamples int, seed int64) *Model {
	m := s.Get(key)

	s.mu.RLock()
	histLen := len(s.history[key])
	count := s.counts[key]
	s.mu.RUnlock()

	if m != nil && !s.needsRefit(m, count) {
		return m
	}
	if histLen < minSamples {
		return m // keep whatever we have, possibly nil
	}

	s.mu.RLock()
	rows := make([][]float64, histLen)
	copy(rows, s.history[key])
	s.mu.RUnlock()

	scaler := FitScaler(rows)
	scaled := make([][]float64, len(rows))
	for i, r := range rows {
		scaled[i] = scaler.Transform(r)
	}
	fresh := &Model{
		User:        key,
		SampleCount: count,
		FittedAt:    time.Now().UTC(),
		Scaler:      scaler,
		Forest:      FitForest(scaled, contamination, seed),
	}
	if err := s.save(fresh); err != nil {
		s.log.Error("profile save failed", zap.String("key", key), zap.Error(err))
	}

	s.mu.Lock()
	s.models[key] = fresh
	s.mu.Unlock()
	s.log.Info("profile fitted",
		zap.String("key", key),
		zap.Int("samples", len(rows)),
	)
	return fresh
}

func (s *Store) needsRefit(m *Model, count int) bool {
	if m.Forest == nil {
		return true
	}
	if count > 0 && float64(count-m.SampleCount) >= refitGrowth*float64(m.SampleCount) {
		return true
	}
	return time.Since(m.FittedAt) > staleAfter
}

// RefreshStale refits every cached model past the stale interval. The
// engine's cron drives this.
func (s *Store) RefreshStale(minSamples int) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.models))
	for k, m := range s.models {
		if m != nil && time.Since(m.FittedAt) > staleAfter {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	for i, k := range keys {
		s.Ensure(k, minSamples, time.Now().UnixNano()+int64(i))
	}
}

// ── persistence ───────────────────────────────────────────────────────────

func (s *Store) path(key string) string {
	// Usernames are path components here; keep them filesystem-safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

func (s *Store) load(key string) (*Model, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt profile %s: %w", key, err)
	}
	return &m, nil
}

// save writes the blob to a temp file and renames it into place, so a
// reader never observes a torn model.
func (s *Store) save(m *Model) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	path := s.path(m.User)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
