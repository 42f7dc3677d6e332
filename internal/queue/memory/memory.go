// Package memory is the in-process queue. Jobs do not survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/queue"
)

const defaultBufferSize = 256

// Queue is a buffered channel of jobs.
type Queue struct {
	ch        chan model.IndexJob
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a memory queue holding up to size pending jobs. Publish blocks
// when the buffer is full.
func New(size int) *Queue {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Queue{ch: make(chan model.IndexJob, size), done: make(chan struct{})}
}

func (q *Queue) Publish(ctx context.Context, job model.IndexJob) error {
	select {
	case <-q.done:
		return queue.ErrClosed
	default:
	}
	select {
	case q.ch <- job:
		return nil
	case <-q.done:
		return queue.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Consume(ctx context.Context, out chan<- queue.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case job := <-q.ch:
			select {
			case out <- queue.Delivery{Job: job, Ack: func() {}}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Len returns the number of jobs waiting.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
