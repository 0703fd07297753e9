// Package inmem provides an in-memory collector of completed root runs. It
// implements the tracer persistence hook for tests and local tooling; nothing
// survives a process restart.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/runtrace/runtime/run"
)

// Store collects completed root runs in memory, keyed by run ID, preserving
// completion order. Runs are deep-copied on write and read so callers cannot
// mutate stored trees. All operations are thread-safe.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*run.Run
	order []string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]*run.Run)}
}

// PersistRun records a completed root run together with its subtree. A run
// persisted twice under the same ID replaces the earlier copy but keeps its
// original position.
func (s *Store) PersistRun(_ context.Context, r *run.Run) error {
	if r == nil {
		return errors.New("run is required")
	}
	if r.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

// Load returns a copy of the persisted run with the given ID, or nil when no
// such run was persisted.
func (s *Store) Load(_ context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// Runs returns copies of all persisted runs in completion order.
func (s *Store) Runs() []*run.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*run.Run, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.runs[id].Clone())
	}
	return out
}

// Len returns the number of persisted runs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Reset clears all persisted runs.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]*run.Run)
	s.order = nil
}
