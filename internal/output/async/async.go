// Package async decouples a mirror output from the indexing path. Batches are
// handed to a buffered channel and written by a background goroutine, so a
// slow or failing mirror never delays or fails the primary destination.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/output"
)

const (
	defaultBufferSize   = 64
	defaultDrainTimeout = 5 * time.Second
)

// Option configures an Async wrapper.
type Option func(*Async)

// WithBufferSize sets the channel buffer capacity in batches. Default: 64.
func WithBufferSize(n int) Option {
	return func(a *Async) { a.bufSize = n }
}

// WithOnError sets the callback invoked when the inner output's Write fails.
// Default: logs a warning.
func WithOnError(f func(error)) Option {
	return func(a *Async) { a.errFunc = f }
}

// WithDropOnFull makes Write return immediately (dropping the batch) when the
// buffer is full, instead of blocking.
func WithDropOnFull() Option {
	return func(a *Async) { a.dropOnFull = true }
}

// WithLogger sets the logger used for drops and the default error callback.
func WithLogger(l *slog.Logger) Option {
	return func(a *Async) { a.logger = l }
}

// Async wraps an output.Output behind a buffered channel. Errors from the
// inner output are passed to errFunc rather than propagated to the caller.
type Async struct {
	inner      output.Output
	ch         chan model.IngestBatch
	done       chan struct{}
	errFunc    func(error)
	logger     *slog.Logger
	bufSize    int
	dropOnFull bool
	closeOnce  sync.Once
}

// New wraps inner. The drain goroutine starts immediately.
func New(inner output.Output, opts ...Option) *Async {
	a := &Async{
		inner:   inner,
		bufSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Default(a.logger).With("component", "async_output")
	if a.errFunc == nil {
		a.errFunc = func(err error) { a.logger.Warn("mirror write failed", "error", err) }
	}
	a.ch = make(chan model.IngestBatch, a.bufSize)
	a.done = make(chan struct{})
	go a.drain()
	return a
}

// Write queues the batch and reports zero counts: the mirror's outcome is
// not part of the run's result. By default Write blocks while the buffer is
// full or until ctx is done.
func (a *Async) Write(ctx context.Context, batch model.IngestBatch) (model.Counts, error) {
	if a.dropOnFull {
		select {
		case a.ch <- batch:
		default:
			a.logger.Warn("mirror buffer full, dropping batch",
				"source", batch.Source, "index", batch.IndexName(), "events", len(batch.Events))
		}
		return model.Counts{}, nil
	}
	select {
	case a.ch <- batch:
		return model.Counts{}, nil
	case <-ctx.Done():
		return model.Counts{}, ctx.Err()
	}
}

// Close closes the channel, waits for the drain goroutine to finish
// (with a timeout), then closes the inner output.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.ch)
		select {
		case <-a.done:
		case <-time.After(defaultDrainTimeout):
			a.logger.Warn("mirror drain timed out")
		}
		err = a.inner.Close()
	})
	return err
}

func (a *Async) drain() {
	defer close(a.done)
	for batch := range a.ch {
		if _, err := a.inner.Write(context.Background(), batch); err != nil {
			a.errFunc(err)
		}
	}
}
