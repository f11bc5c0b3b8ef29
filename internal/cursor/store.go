package cursor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xtxerr/xenfeed/internal/logging"
)

var log = logging.Component("cursor")

// Store holds cursor states keyed by target name. Lookups are concurrent
// (the scheduler's workers serve different targets), but each State is only
// ever written by its own target's poller.
type Store struct {
	mu     sync.RWMutex
	states map[string]*State

	// path of the snapshot file, empty to disable persistence.
	path string
}

// NewStore creates a Store. If path is non-empty, a previously written
// snapshot is loaded so a restarted process resumes from its high-water
// marks instead of re-fetching and re-emitting history.
func NewStore(path string) *Store {
	s := &Store{
		states: make(map[string]*State),
		path:   path,
	}
	if path != "" {
		if err := s.load(); err != nil {
			if !os.IsNotExist(err) {
				log.Warn("cursor snapshot load failed, starting fresh", "path", path, "error", err)
			}
		}
	}
	return s
}

// Get returns the cursor state for a target, creating it on first use.
func (s *Store) Get(target string) *State {
	s.mu.RLock()
	st, ok := s.states[target]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[target]; ok {
		return st
	}
	st = &State{}
	s.states[target] = st
	return st
}

// SetBootstrapLookback configures the bootstrap window for a target's cursor.
func (s *Store) SetBootstrapLookback(target string, lookback time.Duration) {
	s.Get(target).BootstrapLookback = lookback
}

// =============================================================================
// Snapshot persistence
// =============================================================================

// snapshotEntry is the serialized form of one cursor.
type snapshotEntry struct {
	LastEmitted int64 `json:"last_emitted"`
	LastStep    int64 `json:"last_step"`
}

// Flush writes the current high-water marks to the snapshot file. Called on
// shutdown and after successful cycles; a torn write is avoided by writing a
// temp file and renaming.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	snap := make(map[string]snapshotEntry, len(s.states))
	for name, st := range s.states {
		snap[name] = snapshotEntry{LastEmitted: st.LastEmitted, LastStep: st.LastStep}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var snap map[string]snapshotEntry
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range snap {
		s.states[name] = &State{LastEmitted: e.LastEmitted, LastStep: e.LastStep}
	}

	log.Info("cursor snapshot loaded", "path", s.path, "targets", len(snap))
	return nil
}
