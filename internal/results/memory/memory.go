// Package memory is the default task store. Finished tasks are dropped once
// they fall out of the retention window.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/results"
)

// DefaultRetention is how long a finished task stays readable.
const DefaultRetention = 24 * time.Hour

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long finished tasks are kept after their last
// update. Zero or less keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock replaces time.Now for pruning.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a mutex-guarded map of tasks.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]model.Task
	retention time.Duration
	now       func() time.Time
	lastPrune time.Time
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:     make(map[string]model.Task),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastPrune = s.now()
	return s
}

func (s *Store) Put(_ context.Context, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	s.prune()
	return nil
}

// prune drops finished tasks last updated before the retention window. It
// sweeps at most once per tenth of the window. Callers hold s.mu.
func (s *Store) prune() {
	if s.retention <= 0 {
		return
	}
	now := s.now()
	if now.Sub(s.lastPrune) < s.retention/10 {
		return
	}
	s.lastPrune = now
	cutoff := now.Add(-s.retention)
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.Updated.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}

func (s *Store) Get(_ context.Context, id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, results.ErrNotFound
	}
	return t, nil
}

func (s *Store) List(_ context.Context, f results.Filter) ([]model.Task, error) {
	s.mu.RLock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.RUnlock()
	return results.Apply(out, f), nil
}

func (s *Store) Close() error { return nil }

var _ results.Store = (*Store)(nil)
