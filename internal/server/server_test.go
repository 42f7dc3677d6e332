package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/pipeline"
	"github.com/crimson-sun/tributary/internal/results"
	"github.com/crimson-sun/tributary/internal/scheduler"
)

type fakeRunner struct {
	mu        sync.Mutex
	submitted []pipeline.RunRequest
	tasks     map[string]model.Task
	running   []model.Task
	submitErr error
}

func (f *fakeRunner) Sources() []string { return []string{"jira", "zendesk"} }

func (f *fakeRunner) HasSource(name string) bool { return name == "jira" || name == "zendesk" }

func (f *fakeRunner) Submit(_ context.Context, req pipeline.RunRequest) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return model.Task{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return model.Task{ID: "task-1", Name: pipeline.FetchTaskName(req.Source), Status: model.StatusPending}, nil
}

func (f *fakeRunner) Task(_ context.Context, id string) (model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, results.ErrNotFound
	}
	return t, nil
}

func (f *fakeRunner) Running(context.Context) ([]model.Task, error) { return f.running, nil }

type fakeSchedules []scheduler.JobInfo

func (f fakeSchedules) ListJobs() []scheduler.JobInfo { return f }

type fakeHealth struct {
	err error
}

func (f fakeHealth) ClusterHealth(context.Context) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"status": "green"}, nil
}

var fixedNow = time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)

func newTestRouter(r *fakeRunner, opts Options) http.Handler {
	opts.Logger = logging.Discard()
	opts.Now = func() time.Time { return fixedNow }
	return NewRouter(r, opts)
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIngestDefaultsInterval(t *testing.T) {
	r := &fakeRunner{}
	w := do(t, newTestRouter(r, Options{}), http.MethodPost, "/ingest/jira", "", nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	var task model.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID != "task-1" || task.Name != "fetch_jira" || task.Status != model.StatusPending {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(r.submitted) != 1 || r.submitted[0].Window.Interval != DefaultInterval {
		t.Fatalf("expected one submission with interval %d, got %+v", DefaultInterval, r.submitted)
	}
}

func TestIngestExplicitWindow(t *testing.T) {
	r := &fakeRunner{}
	body := `{"start_time":"2024-01-01T00:00:00Z","end_time":"2024-01-01T01:00:00Z","dataset":"jira.backfill","namespace":"prod"}`
	w := do(t, newTestRouter(r, Options{}), http.MethodPost, "/ingest/jira", body, nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	req := r.submitted[0]
	if req.Window.Start.IsZero() || !req.Window.End.Equal(req.Window.Start.Add(time.Hour)) {
		t.Fatalf("unexpected window %+v", req.Window)
	}
	if req.Dataset != "jira.backfill" || req.Namespace != "prod" {
		t.Fatalf("unexpected destination %q/%q", req.Dataset, req.Namespace)
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero interval", `{"interval":0}`},
		{"negative interval", `{"interval":-5}`},
		{"interval too large", `{"interval":361}`},
		{"start only", `{"start_time":"2024-01-01T00:00:00Z"}`},
		{"bad start", `{"start_time":"yesterday","end_time":"2024-01-01T00:00:00Z"}`},
		{"start after end", `{"start_time":"2024-01-02T00:00:00Z","end_time":"2024-01-01T00:00:00Z"}`},
		{"malformed json", `{"interval":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRunner{}
			w := do(t, newTestRouter(r, Options{}), http.MethodPost, "/ingest/zendesk", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body)
			}
			if len(r.submitted) != 0 {
				t.Fatalf("expected no submission, got %d", len(r.submitted))
			}
		})
	}
}

func TestIngestUnknownSource(t *testing.T) {
	w := do(t, newTestRouter(&fakeRunner{}, Options{}), http.MethodPost, "/ingest/vercel", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestIngestSubmitFailure(t *testing.T) {
	r := &fakeRunner{submitErr: errors.New("store down")}
	w := do(t, newTestRouter(r, Options{}), http.MethodPost, "/ingest/jira", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestGetTask(t *testing.T) {
	r := &fakeRunner{tasks: map[string]model.Task{
		"abc": {ID: "abc", Name: "fetch_jira", Status: model.StatusCompleted, Result: &model.RunResult{Status: model.StatusCompleted, Message: "Data ingested from jira 3 events"}},
	}}
	h := newTestRouter(r, Options{})

	w := do(t, h, http.MethodGet, "/tasks/abc", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var task model.Task
	json.Unmarshal(w.Body.Bytes(), &task)
	if task.Result == nil || task.Result.Message != "Data ingested from jira 3 events" {
		t.Fatalf("unexpected task %+v", task)
	}

	if w := do(t, h, http.MethodGet, "/tasks/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListRunningTasks(t *testing.T) {
	r := &fakeRunner{running: []model.Task{{ID: "a", Name: "fetch_jira", Status: model.StatusFetching}}}
	w := do(t, newTestRouter(r, Options{}), http.MethodGet, "/tasks", "", nil)

	var body struct {
		Running []model.Task `json:"running_tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Running) != 1 || body.Running[0].ID != "a" {
		t.Fatalf("unexpected body %s", w.Body)
	}
}

func TestListRunningTasksEmpty(t *testing.T) {
	w := do(t, newTestRouter(&fakeRunner{}, Options{}), http.MethodGet, "/tasks", "", nil)
	if got := strings.TrimSpace(w.Body.String()); got != `{"running_tasks":[]}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestSchedules(t *testing.T) {
	jobs := fakeSchedules{{ID: "1", Name: "fetch_jira", Schedule: "every 5m0s"}}
	w := do(t, newTestRouter(&fakeRunner{}, Options{Schedules: jobs}), http.MethodGet, "/schedules", "", nil)

	var body struct {
		Schedules []scheduler.JobInfo `json:"schedules"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Schedules) != 1 || body.Schedules[0].Name != "fetch_jira" {
		t.Fatalf("unexpected body %s", w.Body)
	}
}

func TestSources(t *testing.T) {
	w := do(t, newTestRouter(&fakeRunner{}, Options{}), http.MethodGet, "/sources", "", nil)
	if got := strings.TrimSpace(w.Body.String()); got != `{"sources":["jira","zendesk"]}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name   string
		health HealthChecker
		want   int
	}{
		{"no destination", nil, http.StatusOK},
		{"green", fakeHealth{}, http.StatusOK},
		{"unreachable", fakeHealth{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, newTestRouter(&fakeRunner{}, Options{Health: tc.health}), http.MethodGet, "/health", "", nil)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	h := newTestRouter(&fakeRunner{}, Options{APIKeys: []string{"secret"}})

	if w := do(t, h, http.MethodGet, "/tasks", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/tasks", "", map[string]string{"X-API-Key": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/tasks", "", map[string]string{"X-API-Key": "secret"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health should stay public, got %d", w.Code)
	}
}
