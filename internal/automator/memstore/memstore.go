// Package memstore provides a bounded in-memory implementation of
// automator.Store.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/pdautomator/internal/automator"
)

// DefaultCapacity is how many runs are kept when New is given a
// non-positive capacity.
const DefaultCapacity = 100

// Store holds the newest run reports in memory. Once full, putting a new run
// evicts the oldest one.
type Store struct {
	mu       sync.RWMutex
	capacity int
	runs     map[string]*automator.Run // run ID -> report
	order    []string                  // run IDs, oldest first
}

// New initializes a Store keeping at most capacity runs.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		runs:     make(map[string]*automator.Run),
	}
}

// Get retrieves a run by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*automator.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// List returns copies of up to limit runs, newest first.
func (s *Store) List(_ context.Context, limit int) ([]*automator.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*automator.Run, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, clone(s.runs[s.order[i]]))
	}
	return out, nil
}

// Put stores a copy of the run, replacing any earlier version with the same ID.
func (s *Store) Put(_ context.Context, r *automator.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		s.order = append(s.order, r.ID)
		if len(s.order) > s.capacity {
			delete(s.runs, s.order[0])
			s.order = slices.Delete(s.order, 0, 1)
		}
	}
	s.runs[r.ID] = clone(r)
	return nil
}

// Len returns the number of runs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func clone(r *automator.Run) *automator.Run {
	cp := *r
	cp.Queues = slices.Clone(r.Queues)
	return &cp
}
