// Package postgres stores task records in PostgreSQL so several workers can
// share one status view.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/results"
)

// schemaSQL is embedded so the store can bootstrap its own table.
//
//go:embed schema.sql
var schemaSQL string

// Store implements results.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a connection pool and fails fast if the database is
// unreachable. The schema is applied on every start; it is idempotent.
func New(ctx context.Context, dbURL string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres task store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres task store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres task store: schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const upsertSQL = `
	INSERT INTO tasks (task_id, task_name, task_status, args, task_result, started, updated)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (task_id) DO UPDATE SET
		task_status = EXCLUDED.task_status,
		task_result = EXCLUDED.task_result,
		updated     = EXCLUDED.updated
`

func (s *Store) Put(ctx context.Context, task model.Task) error {
	args, result, err := encodeTask(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertSQL,
		task.ID, task.Name, string(task.Status), args, result, task.Started, task.Updated)
	return err
}

const selectColumns = `SELECT task_id, task_name, task_status, args, task_result, started, updated FROM tasks`

func (s *Store) Get(ctx context.Context, id string) (model.Task, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE task_id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, results.ErrNotFound
	}
	return task, err
}

func (s *Store) List(ctx context.Context, f results.Filter) ([]model.Task, error) {
	query, args := listQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// listQuery builds the filtered, newest-first query for f.
func listQuery(f results.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Running {
		args = append(args, []string{string(model.StatusCompleted), string(model.StatusFailed)})
		where = append(where, fmt.Sprintf("task_status <> ALL($%d)", len(args)))
	}
	if f.Name != "" {
		args = append(args, f.Name)
		where = append(where, fmt.Sprintf("task_name = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(selectColumns)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY started DESC, task_id ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func encodeTask(task model.Task) (args, result []byte, err error) {
	a := task.Args
	if a == nil {
		a = map[string]any{}
	}
	if args, err = json.Marshal(a); err != nil {
		return nil, nil, fmt.Errorf("marshal args of %s: %w", task.ID, err)
	}
	if task.Result != nil {
		if result, err = json.Marshal(task.Result); err != nil {
			return nil, nil, fmt.Errorf("marshal result of %s: %w", task.ID, err)
		}
	}
	return args, result, nil
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		task   model.Task
		status string
		args   []byte
		result []byte
	)
	if err := row.Scan(&task.ID, &task.Name, &status, &args, &result, &task.Started, &task.Updated); err != nil {
		return model.Task{}, err
	}
	task.Status = model.Status(status)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &task.Args); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal args of %s: %w", task.ID, err)
		}
	}
	if len(result) > 0 {
		task.Result = &model.RunResult{}
		if err := json.Unmarshal(result, task.Result); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal result of %s: %w", task.ID, err)
		}
	}
	return task, nil
}

var _ results.Store = (*Store)(nil)
