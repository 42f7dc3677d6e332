package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/queue"
)

func TestPublishConsumeOrder(t *testing.T) {
	q := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, model.IndexJob{TaskID: id}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 pending, got %d", q.Len())
	}

	out := make(chan queue.Delivery)
	go q.Consume(ctx, out)

	for _, want := range []string{"a", "b", "c"} {
		select {
		case d := <-out:
			if d.Job.TaskID != want {
				t.Fatalf("expected %s, got %s", want, d.Job.TaskID)
			}
			d.Ack()
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPublishAfterClose(t *testing.T) {
	q := New(1)
	q.Close()
	if err := q.Publish(context.Background(), model.IndexJob{}); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Close is idempotent.
	if err := q.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPublishRespectsContextWhenFull(t *testing.T) {
	q := New(1)
	if err := q.Publish(context.Background(), model.IndexJob{TaskID: "1"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, model.IndexJob{TaskID: "2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- q.Consume(ctx, make(chan queue.Delivery)) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}
