package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the active configuration snapshot. Readers take a cheap
// atomic snapshot; writers validate a candidate, publish it with a single
// pointer swap, and then notify subscribers. In-flight requests keep
// whatever snapshot they started with.
type Store struct {
	active atomic.Pointer[Settings]
	path   string

	mu          sync.Mutex // serializes Replace/Reload and subscriber list
	subscribers []func(*Settings)
}

// NewStore creates a store with an initial, already-validated snapshot.
func NewStore(initial *Settings, path string) *Store {
	s := &Store{path: path}
	s.active.Store(initial)
	return s
}

// Open loads, validates, and wraps the configuration at path.
func Open(path string) (*Store, error) {
	settings, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(settings); err != nil {
		return nil, err
	}
	return NewStore(settings, path), nil
}

// Snapshot returns the current active settings. The returned value is
// shared and must be treated as immutable.
func (s *Store) Snapshot() *Settings {
	return s.active.Load()
}

// Path returns the on-disk configuration source.
func (s *Store) Path() string {
	return s.path
}

// Subscribe registers a callback invoked after every successful
// publication, with the new snapshot. Callbacks run on the publisher's
// goroutine and must not block.
func (s *Store) Subscribe(fn func(*Settings)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Replace validates a candidate and, on success, publishes it. On failure
// the previous config remains active and the returned error lists every
// rule that failed.
func (s *Store) Replace(candidate *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(candidate)
}

// ReplaceAndPersist validates a candidate, writes it back to the source
// file atomically, then publishes. Persistence happens before publication
// so a crash cannot leave the process serving config that was never saved.
func (s *Store) ReplaceAndPersist(candidate *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Validate(candidate); err != nil {
		return err
	}
	if s.path != "" {
		if err := Save(candidate, s.path); err != nil {
			return err
		}
	}
	s.active.Store(candidate)
	s.notifyLocked(candidate)
	return nil
}

// ReloadFromFile re-reads the configuration source and behaves as Replace.
func (s *Store) ReloadFromFile() error {
	settings, err := Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(settings)
}

func (s *Store) publishLocked(candidate *Settings) error {
	if err := Validate(candidate); err != nil {
		return err
	}
	s.active.Store(candidate)
	s.notifyLocked(candidate)
	return nil
}

func (s *Store) notifyLocked(snapshot *Settings) {
	for _, fn := range s.subscribers {
		fn(snapshot)
	}
}
