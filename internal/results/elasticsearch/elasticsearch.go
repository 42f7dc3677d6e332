// Package elasticsearch appends task records to the results data stream,
// the way a Celery ES result backend would, so task history is searchable
// next to the ingested logs.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/crimson-sun/tributary/internal/elastic"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/results"
	"github.com/crimson-sun/tributary/internal/results/memory"
)

// Dataset is the data stream dataset task records are written to.
const Dataset = "tributary.results"

const defaultListSize = 100

// cacheRetention bounds the local cache; older finished tasks are read back
// from the cluster.
const cacheRetention = 15 * time.Minute

// Store writes every status change as a new document in
// logs-tributary.results-{namespace}. Reads return the latest document per
// task. Records written by this process are served from a local cache
// because new documents are only searchable after a refresh.
type Store struct {
	es        *elasticsearch.Client
	namespace string
	cache     *memory.Store
}

// New creates a store writing into namespace ("default" when empty).
func New(es *elasticsearch.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "default"
	}
	return &Store{es: es, namespace: namespace, cache: memory.New(memory.WithRetention(cacheRetention))}
}

// Index returns the data stream the store writes to.
func (s *Store) Index() string {
	return model.IndexName(Dataset, s.namespace)
}

type document struct {
	model.Task
	Timestamp time.Time `json:"@timestamp"`
}

func (s *Store) Put(ctx context.Context, task model.Task) error {
	s.cache.Put(ctx, task)

	ts := task.Updated
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data, err := json.Marshal(document{Task: task, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	res, err := s.es.Index(s.Index(), bytes.NewReader(data),
		s.es.Index.WithOpType("create"),
		s.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index task %s: %w", task.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index task %s: %w", task.ID, elastic.DecodeError(res))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Task, error) {
	if t, err := s.cache.Get(ctx, id); err == nil {
		return t, nil
	}
	tasks, err := s.search(ctx, map[string]any{
		"size":  1,
		"query": map[string]any{"term": map[string]any{"task_id": id}},
		"sort":  []any{map[string]any{"updated": "desc"}},
	})
	if err != nil {
		return model.Task{}, err
	}
	if len(tasks) == 0 {
		return model.Task{}, results.ErrNotFound
	}
	return tasks[0], nil
}

// List merges the cluster's latest-per-task view with this process's cache;
// the cache wins for tasks it knows.
func (s *Store) List(ctx context.Context, f results.Filter) ([]model.Task, error) {
	size := f.Limit
	if size <= 0 {
		size = defaultListSize
	}
	query := map[string]any{"match_all": map[string]any{}}
	if f.Name != "" {
		query = map[string]any{"term": map[string]any{"task_name": f.Name}}
	}
	remote, err := s.search(ctx, map[string]any{
		"size":     size,
		"query":    query,
		"collapse": map[string]any{"field": "task_id"},
		"sort":     []any{map[string]any{"updated": "desc"}},
	})
	if err != nil {
		return nil, err
	}

	local, _ := s.cache.List(ctx, results.Filter{})
	merged := make(map[string]model.Task, len(remote)+len(local))
	for _, t := range remote {
		merged[t.ID] = t
	}
	for _, t := range local {
		merged[t.ID] = t
	}
	out := make([]model.Task, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	return results.Apply(out, f), nil
}

func (s *Store) Close() error { return nil }

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source model.Task `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *Store) search(ctx context.Context, body map[string]any) ([]model.Task, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := s.es.Search(
		s.es.Search.WithIndex(s.Index()),
		s.es.Search.WithBody(bytes.NewReader(data)),
		s.es.Search.WithIgnoreUnavailable(true),
		s.es.Search.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("search tasks: %w", elastic.DecodeError(res))
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode task search: %w", err)
	}
	out := make([]model.Task, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

var _ results.Store = (*Store)(nil)
