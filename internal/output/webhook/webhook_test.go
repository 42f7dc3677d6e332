package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/output"
)

func testBatch(n int) model.IngestBatch {
	b := model.IngestBatch{Source: "jira", Dataset: "jira.audit", Namespace: "default"}
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, model.NormalizedEvent{"seq": i})
	}
	return b
}

func TestWritePostsRecordsInChunks(t *testing.T) {
	var mu sync.Mutex
	var received [][]output.Record

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var recs []output.Record
		json.Unmarshal(body, &recs)
		mu.Lock()
		received = append(received, recs)
		mu.Unlock()
		w.WriteHeader(200)
	}))
	defer srv.Close()

	out := New(srv.URL, WithBatchSize(3))
	counts, err := out.Write(context.Background(), testBatch(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Success != 7 {
		t.Fatalf("expected 7 successes, got %+v", counts)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("expected 3 POSTs, got %d", len(received))
	}
	if len(received[2]) != 1 {
		t.Errorf("last chunk size = %d, want 1", len(received[2]))
	}
	if received[0][0].Index != "logs-jira.audit-default" {
		t.Errorf("index = %q", received[0][0].Index)
	}
}

func TestRetryOn5xx(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	out := New(srv.URL, WithRetryDelay(time.Millisecond))
	if _, err := out.Write(context.Background(), testBatch(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(503)
	}))
	defer srv.Close()

	out := New(srv.URL, WithRetryDelay(time.Millisecond))
	counts, err := out.Write(context.Background(), testBatch(2))
	if err == nil {
		t.Fatal("expected error")
	}
	if counts.Failure != 2 {
		t.Errorf("expected 2 failures, got %+v", counts)
	}
	if attempts.Load() != maxRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxRetries+1, attempts.Load())
	}
}

func TestNoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(400)
	}))
	defer srv.Close()

	out := New(srv.URL, WithRetryDelay(time.Millisecond))
	if _, err := out.Write(context.Background(), testBatch(1)); err == nil {
		t.Error("expected error for 400 response")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected exactly 1 attempt for 4xx, got %d", attempts.Load())
	}
}

func TestRetryHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := New(srv.URL, WithRetryDelay(time.Hour))
	start := time.Now()
	if _, err := out.Write(ctx, testBatch(1)); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("retry backoff ignored context cancellation")
	}
}

func TestCustomHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Custom-Auth")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	out := New(srv.URL, WithHeaders(map[string]string{"X-Custom-Auth": "secret123"}))
	out.Write(context.Background(), testBatch(1))

	if gotAuth != "secret123" {
		t.Errorf("custom header = %q, want secret123", gotAuth)
	}
}

func TestEmptyBatchSendsNothing(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer srv.Close()

	counts, err := New(srv.URL).Write(context.Background(), testBatch(0))
	if err != nil || counts != (model.Counts{}) {
		t.Fatalf("expected zero counts and no error, got %+v, %v", counts, err)
	}
	if attempts.Load() != 0 {
		t.Errorf("expected no POST, got %d", attempts.Load())
	}
}
