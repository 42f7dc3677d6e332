// Package results persists task status records so the trigger surface can
// report on runs that happened in other workers or before a restart.
package results

import (
	"context"
	"errors"
	"sort"

	"github.com/crimson-sun/tributary/internal/model"
)

// ErrNotFound is returned by Get for an unknown task id.
var ErrNotFound = errors.New("task not found")

// Filter narrows List.
type Filter struct {
	// Running keeps only tasks that have not reached a terminal status.
	Running bool
	// Name keeps only tasks with this name, when set.
	Name  string
	Limit int
}

// Match reports whether t passes f.
func (f Filter) Match(t model.Task) bool {
	if f.Running && t.Status.Terminal() {
		return false
	}
	if f.Name != "" && t.Name != f.Name {
		return false
	}
	return true
}

// Store is a task status store. Put replaces the record with the same ID.
type Store interface {
	Put(ctx context.Context, task model.Task) error
	Get(ctx context.Context, id string) (model.Task, error)
	List(ctx context.Context, f Filter) ([]model.Task, error)
	Close() error
}

// Apply filters, orders (newest first) and limits tasks in place.
func Apply(tasks []model.Task, f Filter) []model.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.After(out[j].Started)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
