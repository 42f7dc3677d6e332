// Package webhook mirrors ingest batches to an HTTP endpoint as JSON arrays
// of output.Record.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/output"
)

const (
	defaultBatchSize  = 500
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = time.Second
	maxRetries        = 3
)

// Option configures a webhook Output.
type Option func(*Output)

// WithHeaders sets custom HTTP headers sent with every POST.
func WithHeaders(h map[string]string) Option {
	return func(o *Output) { o.headers = h }
}

// WithBatchSize caps the records sent per POST. Default: 500.
func WithBatchSize(n int) Option {
	return func(o *Output) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithTimeout sets the HTTP client timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(o *Output) { o.client.Timeout = d }
}

// WithRetryDelay sets the first backoff delay; later retries double it.
// Default: 1s.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Output) { o.retryDelay = d }
}

// Output POSTs records to an HTTP endpoint. 5xx responses are retried with
// exponential backoff; other failures are returned at once.
type Output struct {
	client     *http.Client
	url        string
	headers    map[string]string
	batchSize  int
	retryDelay time.Duration
}

// New creates a webhook output targeting the given URL.
func New(url string, opts ...Option) *Output {
	o := &Output{
		client:     &http.Client{Timeout: defaultTimeout},
		url:        url,
		batchSize:  defaultBatchSize,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Write posts the batch in chunks of at most batchSize records. Records in
// chunks that were not accepted count as failures.
func (o *Output) Write(ctx context.Context, batch model.IngestBatch) (model.Counts, error) {
	records := output.Records(batch)
	var counts model.Counts
	for start := 0; start < len(records); start += o.batchSize {
		end := min(start+o.batchSize, len(records))
		body, err := json.Marshal(records[start:end])
		if err != nil {
			return counts, fmt.Errorf("webhook: marshal: %w", err)
		}
		if err := o.postWithRetry(ctx, body); err != nil {
			counts.Failure += len(records) - start
			return counts, err
		}
		counts.Success += end - start
	}
	return counts, nil
}

// Close is a no-op; every Write is delivered synchronously.
func (o *Output) Close() error { return nil }

// postWithRetry sends the body via HTTP POST with retry on 5xx.
func (o *Output) postWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(o.retryDelay << (attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range o.headers {
			req.Header.Set(k, v)
		}

		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("webhook: HTTP %d", resp.StatusCode)

		// Only retry on 5xx server errors.
		if resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}
