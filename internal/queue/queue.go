// Package queue carries IndexJobs from fetch units to index workers.
package queue

import (
	"context"
	"errors"

	"github.com/crimson-sun/tributary/internal/model"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("queue: closed")

// Delivery is one received job. Ack must be called once the job reached a
// terminal state so the queue can release it.
type Delivery struct {
	Job model.IndexJob
	Ack func()
}

// Queue is a job broker. Consume blocks, forwarding deliveries to out until
// ctx is cancelled; it may be called once per process.
type Queue interface {
	Publish(ctx context.Context, job model.IndexJob) error
	Consume(ctx context.Context, out chan<- Delivery) error
	Close() error
}
