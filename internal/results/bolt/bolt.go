// Package bolt stores task records in a local bbolt file so status survives
// restarts of a single-node deployment.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/results"
)

const (
	// DefaultPath is the default database file.
	DefaultPath = "tributary-tasks.db"

	defaultTimeout = 1 * time.Second
)

var taskBucket = []byte("tasks")

// Store implements results.Store on bbolt. Values are JSON-encoded tasks
// keyed by task id.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for task db: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize task db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(_ context.Context, task model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).Put([]byte(task.ID), data)
	})
}

func (s *Store) Get(_ context.Context, id string) (model.Task, error) {
	var task model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(taskBucket).Get([]byte(id))
		if data == nil {
			return results.ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	return task, err
}

func (s *Store) List(_ context.Context, f results.Filter) ([]model.Task, error) {
	var out []model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).ForEach(func(k, v []byte) error {
			var task model.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("unmarshal task %s: %w", k, err)
			}
			if f.Match(task) {
				out = append(out, task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results.Apply(out, f), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ results.Store = (*Store)(nil)
