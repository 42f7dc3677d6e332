// Package pipeline orchestrates ingestion units: a fetch unit pulls one
// window from a source and queues the result, an index unit writes a queued
// batch. Each unit retries transient failures with exponential backoff and
// reports a RunResult to the task store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/crimson-sun/tributary/internal/connector"
	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/output"
	"github.com/crimson-sun/tributary/internal/queue"
	"github.com/crimson-sun/tributary/internal/results"
	"github.com/crimson-sun/tributary/internal/window"
)

// IndexTaskName is the task name of every index unit.
const IndexTaskName = "index_events"

const (
	defaultIndexTimeout = 60 * time.Second
	defaultNamespace    = "default"
)

// Source binds a configured provider to its HTTP client and default
// destination. The connector is built per run so missing credentials fail
// the run rather than startup.
type Source struct {
	Name      string
	Config    connector.Config
	Client    connector.Doer
	Dataset   string
	Namespace string
}

// RunRequest asks for one fetch of Source.
type RunRequest struct {
	Source    string
	Window    window.Params
	Dataset   string
	Namespace string
}

// Options tunes an Orchestrator. Zero values take defaults.
type Options struct {
	Retry        RetryPolicy
	Concurrency  int
	IndexWorkers int
	IndexTimeout time.Duration
	MaxPages     int
	Logger       *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs fetch and index units.
type Orchestrator struct {
	sources map[string]Source
	queue   queue.Queue
	out     output.Output
	store   results.Store
	opts    Options
	logger  *slog.Logger

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(sources []Source, q queue.Queue, out output.Output, store results.Store, opts Options) *Orchestrator {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.IndexWorkers < 1 {
		opts.IndexWorkers = opts.Concurrency
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = defaultIndexTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name] = s
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sources: m,
		queue:   q,
		out:     out,
		store:   store,
		opts:    opts,
		logger:  logging.Default(opts.Logger).With("component", "orchestrator"),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Sources returns the configured source names, sorted.
func (o *Orchestrator) Sources() []string {
	names := make([]string, 0, len(o.sources))
	for name := range o.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasSource reports whether name is configured.
func (o *Orchestrator) HasSource(name string) bool {
	_, ok := o.sources[name]
	return ok
}

// FetchTaskName is the task name of fetch units for source.
func FetchTaskName(source string) string {
	return "fetch_" + source
}

// ErrUnknownSource is returned by Submit for a source that is not configured.
var ErrUnknownSource = errors.New("unknown source")

// Submit records a PENDING fetch task and runs it in the background, bounded
// by the configured concurrency. It returns immediately.
func (o *Orchestrator) Submit(ctx context.Context, req RunRequest) (model.Task, error) {
	if !o.HasSource(req.Source) {
		return model.Task{}, fmt.Errorf("%w: %q", ErrUnknownSource, req.Source)
	}
	task := o.newTask(FetchTaskName(req.Source), requestArgs(req))
	o.record(ctx, &task, model.StatusPending, nil)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			o.finish(context.Background(), &task, o.failed(uuid.NewString(), 0, err))
			return
		}
		defer o.sem.Release(1)
		o.RunFetch(o.ctx, task, req)
	}()
	return task, nil
}

// Shutdown waits for submitted fetch units. When ctx expires first, running
// units are cancelled and waited for.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// RunFetch executes the fetch unit for an already recorded task and queues
// the resulting batch for indexing.
func (o *Orchestrator) RunFetch(ctx context.Context, task model.Task, req RunRequest) model.RunResult {
	traceID := uuid.NewString()
	res, job := o.fetchUnit(ctx, &task, req, traceID)
	if job == nil {
		return o.finish(ctx, &task, res)
	}

	indexTask := o.newTask(IndexTaskName, indexArgs(*job))
	indexTask.ID = job.TaskID
	o.record(ctx, &indexTask, model.StatusPending, nil)

	st := o.stage("publish", 0, &task)
	_, err := st.run(ctx, func(ctx context.Context) error {
		if err := o.queue.Publish(ctx, *job); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			return &PublishError{Err: err}
		}
		return nil
	})
	if err != nil {
		o.finish(ctx, &indexTask, o.failed(traceID, 0, fmt.Errorf("never queued: %w", err)))
		res = o.failed(traceID, res.Attempts, err)
		return o.finish(ctx, &task, res)
	}
	res.IndexTaskID = job.TaskID
	return o.finish(ctx, &task, res)
}

// RunOnce runs a fetch unit and indexes its batch inline, without the
// queue. It is the synchronous path used by the CLI.
func (o *Orchestrator) RunOnce(ctx context.Context, req RunRequest) (fetch, index model.RunResult) {
	if !o.HasSource(req.Source) {
		return o.failed(uuid.NewString(), 0, fmt.Errorf("%w: %q", ErrUnknownSource, req.Source)), model.RunResult{}
	}
	task := o.newTask(FetchTaskName(req.Source), requestArgs(req))
	o.record(ctx, &task, model.StatusPending, nil)

	traceID := uuid.NewString()
	fetch, job := o.fetchUnit(ctx, &task, req, traceID)
	if job == nil {
		return o.finish(ctx, &task, fetch), model.RunResult{}
	}
	fetch.IndexTaskID = job.TaskID
	fetch = o.finish(ctx, &task, fetch)
	return fetch, o.RunIndex(ctx, *job)
}

// fetchUnit resolves the window, builds the connector and fetches with
// retries. On success it returns the COMPLETED result and the job to index.
func (o *Orchestrator) fetchUnit(ctx context.Context, task *model.Task, req RunRequest, traceID string) (model.RunResult, *model.IndexJob) {
	src := o.sources[req.Source]
	logger := o.logger.With("task_id", task.ID, "source", src.Name, "trace_id", traceID)

	w, err := window.Resolve(o.opts.Now(), req.Window)
	if err != nil {
		logger.Error("invalid window", "error", err)
		return o.failed(traceID, 0, err), nil
	}
	conn, err := connector.New(src.Config)
	if err != nil {
		logger.Error("connector unavailable", "error", err)
		return o.failed(traceID, 0, err), nil
	}

	var fetched connector.Result
	st := o.stage("fetch", 0, task)
	st.onAttempt = func(int) { o.record(ctx, task, model.StatusFetching, nil) }
	attempts, err := st.run(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = connector.Fetch(ctx, conn, src.Client, w, connector.FetchOptions{
			MaxPages: o.opts.MaxPages,
			Logger:   logger,
		})
		return err
	})
	if err != nil {
		logger.Error("fetch failed", "attempts", attempts, "error", err)
		return o.failed(traceID, attempts, err), nil
	}

	dataset := firstNonEmpty(req.Dataset, src.Dataset, src.Name+".audit")
	namespace := firstNonEmpty(req.Namespace, src.Namespace, defaultNamespace)
	job := &model.IndexJob{
		TaskID:       uuid.NewString(),
		ParentTaskID: task.ID,
		TraceID:      traceID,
		Batch: model.IngestBatch{
			Source:    src.Name,
			Dataset:   dataset,
			Namespace: namespace,
			Events:    fetched.Events,
		},
	}
	return model.RunResult{
		Status:        model.StatusCompleted,
		Message:       fmt.Sprintf("Data ingested from %s %d events", src.Name, len(fetched.Events)),
		TraceID:       traceID,
		TransactionID: uuid.NewString(),
		Attempts:      attempts,
		Truncated:     fetched.Truncated,
	}, job
}

// RunIndex executes the index unit for job. Per-document rejections are
// counts; only batch-level failures are retried. When ctx is cancelled
// before the unit ends, the task is left PENDING and the returned result
// is not terminal.
func (o *Orchestrator) RunIndex(ctx context.Context, job model.IndexJob) model.RunResult {
	task := o.newTask(IndexTaskName, indexArgs(job))
	task.ID = job.TaskID
	logger := o.logger.With("task_id", task.ID, "trace_id", job.TraceID, "index", job.Batch.IndexName())

	var counts model.Counts
	st := o.stage("index", o.opts.IndexTimeout, &task)
	st.onAttempt = func(int) { o.record(ctx, &task, model.StatusIndexing, nil) }
	attempts, err := st.run(ctx, func(ctx context.Context) error {
		var err error
		counts, err = o.out.Write(ctx, job.Batch)
		return err
	})
	if err != nil && ctx.Err() != nil {
		// The unit did not finish; the job stays unacknowledged for redelivery.
		logger.Warn("indexing interrupted", "attempts", attempts, "error", err)
		o.record(context.WithoutCancel(ctx), &task, model.StatusPending, nil)
		return model.RunResult{
			Status:   model.StatusPending,
			Message:  "indexing interrupted before completion",
			TraceID:  job.TraceID,
			Attempts: attempts,
			Error:    err.Error(),
		}
	}
	if err != nil {
		logger.Error("indexing failed", "attempts", attempts, "error", err)
		res := o.failed(job.TraceID, attempts, err)
		res.Counts = &counts
		return o.finish(ctx, &task, res)
	}

	return o.finish(ctx, &task, model.RunResult{
		Status:        model.StatusCompleted,
		Message:       fmt.Sprintf("Indexed %d events into %s", counts.Success, job.Batch.IndexName()),
		TraceID:       job.TraceID,
		TransactionID: uuid.NewString(),
		Attempts:      attempts,
		Counts:        &counts,
	})
}

// ServeIndexing consumes the queue with IndexWorkers workers until ctx is
// cancelled.
func (o *Orchestrator) ServeIndexing(ctx context.Context) error {
	deliveries := make(chan queue.Delivery)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.queue.Consume(gctx, deliveries)
	})
	for i := 0; i < o.opts.IndexWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d := <-deliveries:
					if res := o.RunIndex(gctx, d.Job); res.Status.Terminal() {
						d.Ack()
					}
				}
			}
		})
	}
	o.logger.Info("index workers started", "workers", o.opts.IndexWorkers)
	return g.Wait()
}

// Running lists tasks that have not reached a terminal status.
func (o *Orchestrator) Running(ctx context.Context) ([]model.Task, error) {
	return o.store.List(ctx, results.Filter{Running: true})
}

// Task returns the status record of id.
func (o *Orchestrator) Task(ctx context.Context, id string) (model.Task, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) stage(name string, timeout time.Duration, task *model.Task) stage {
	return stage{
		name:    name,
		policy:  o.opts.Retry,
		timeout: timeout,
		sleep:   o.opts.Sleep,
		onRetry: func(attempt int, err error, delay time.Duration) {
			o.logger.Warn("retrying after transient error", "task_id", task.ID, "stage", name,
				"attempt", attempt, "max_attempts", o.opts.Retry.MaxAttempts, "delay", delay, "error", err)
			o.record(context.WithoutCancel(o.ctx), task, model.StatusRetrying, nil)
		},
	}
}

func (o *Orchestrator) newTask(name string, args map[string]any) model.Task {
	now := o.opts.Now().UTC()
	return model.Task{ID: uuid.NewString(), Name: name, Args: args, Started: now, Updated: now}
}

func (o *Orchestrator) failed(traceID string, attempts int, err error) model.RunResult {
	return model.RunResult{
		Status:        model.StatusFailed,
		Message:       err.Error(),
		TraceID:       traceID,
		TransactionID: uuid.NewString(),
		Attempts:      attempts,
		Error:         err.Error(),
	}
}

// finish records the terminal result of task and returns it.
func (o *Orchestrator) finish(ctx context.Context, task *model.Task, res model.RunResult) model.RunResult {
	o.record(context.WithoutCancel(ctx), task, res.Status, &res)
	return res
}

// record stores a status transition. Store failures are logged: task status
// is advisory and never fails a unit.
func (o *Orchestrator) record(ctx context.Context, task *model.Task, status model.Status, res *model.RunResult) {
	task.Status = status
	task.Updated = o.opts.Now().UTC()
	if res != nil {
		r := *res
		task.Result = &r
	}
	if err := o.store.Put(ctx, *task); err != nil {
		o.logger.Warn("task status not recorded", "task_id", task.ID, "status", status, "error", err)
	}
}

func requestArgs(req RunRequest) map[string]any {
	args := map[string]any{"source": req.Source}
	if req.Window.Interval > 0 {
		args["interval"] = req.Window.Interval
	}
	if !req.Window.Start.IsZero() {
		args["start_time"] = req.Window.Start.UTC().Format(time.RFC3339)
	}
	if !req.Window.End.IsZero() {
		args["end_time"] = req.Window.End.UTC().Format(time.RFC3339)
	}
	if req.Dataset != "" {
		args["dataset"] = req.Dataset
	}
	if req.Namespace != "" {
		args["namespace"] = req.Namespace
	}
	return args
}

func indexArgs(job model.IndexJob) map[string]any {
	return map[string]any{
		"parent_task_id": job.ParentTaskID,
		"trace_id":       job.TraceID,
		"dataset":        job.Batch.Dataset,
		"namespace":      job.Batch.Namespace,
		"events":         len(job.Batch.Events),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
