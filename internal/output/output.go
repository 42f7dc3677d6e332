package output

import (
	"context"
	"fmt"

	"github.com/crimson-sun/tributary/internal/model"
)

// Output defines the interface for batch destinations. Write returns the
// per-document outcome counts; a non-nil error means the batch as a whole
// could not be delivered.
type Output interface {
	Write(ctx context.Context, batch model.IngestBatch) (model.Counts, error)
	Close() error
}

// IndexError reports a batch-level write failure. Individual document
// rejections are counted, not returned as errors.
type IndexError struct {
	Index      string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *IndexError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("index %s: HTTP %d: %v", e.Index, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("index %s: %v", e.Index, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }
