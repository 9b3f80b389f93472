// Package cursor persists the harvester's resumption marker. The cursor is
// the only state the harvester owns: lose it and the cold source replays
// everything after last_event_ts; corrupt it and the harvester refuses to
// start rather than silently skipping events.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cursor is the harvester's durable resume point.
//
//   - LastTimerStart is monotone within the current boot epoch of the source
//     DBMS and resets when it restarts.
//   - BootSignature identifies the epoch (minute-precision boot timestamp).
//   - LastEventTS is monotone across boots and drives the cold-source read.
type Cursor struct {
	LastTimerStart int64     `json:"last_timer_start"`
	BootSignature  string    `json:"boot_signature"`
	LastEventTS    time.Time `json:"last_event_ts"`
}

// Store reads and writes a cursor file atomically (write temp, fsync,
// rename). A half-written file can therefore never be observed.
type Store struct {
	path string
}

// NewStore creates the parent directory if needed and returns a store bound
// to path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cursor store dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Load returns the persisted cursor, or a zero cursor (and ok=false) when no
// file exists yet. A corrupt file is an error, not a silent reset.
func (s *Store) Load() (Cursor, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("read cursor %s: %w", s.path, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, false, fmt.Errorf("corrupt cursor %s: %w", s.path, err)
	}
	return c, true, nil
}

// Save durably persists the cursor. Called only after a batch has been both
// streamed and archived, so a crash between batches re-reads rather than
// skips.
func (s *Store) Save(c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open cursor temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write cursor temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync cursor temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close cursor temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename cursor: %w", err)
	}
	return nil
}
