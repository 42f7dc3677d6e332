package multi

import (
	"context"
	"errors"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/output"
)

// Multi fans out batches to multiple output.Output implementations.
// The first output is the primary: its counts are the ones reported. The
// rest are mirrors (for example a local NDJSON archive next to the cluster).
// If one output fails, the remaining outputs still receive the batch.
type Multi struct {
	outputs []output.Output
	gated   bool
}

// New creates a Multi that fans out to the given outputs.
func New(outputs ...output.Output) *Multi {
	return &Multi{outputs: outputs}
}

// NewMirrored creates a Multi whose mirrors only receive a batch once the
// primary accepted it. A batch retried after a primary failure reaches the
// mirrors once.
func NewMirrored(primary output.Output, mirrors ...output.Output) *Multi {
	return &Multi{outputs: append([]output.Output{primary}, mirrors...), gated: true}
}

// Write delivers the batch to every wrapped output. Errors are collected
// but do not prevent delivery to subsequent outputs, except that a mirrored
// Multi stops at a failed primary.
func (m *Multi) Write(ctx context.Context, batch model.IngestBatch) (model.Counts, error) {
	var (
		primary model.Counts
		errs    []error
	)
	for i, o := range m.outputs {
		c, err := o.Write(ctx, batch)
		if i == 0 {
			primary = c
		}
		if err != nil {
			if i == 0 && m.gated {
				return primary, err
			}
			errs = append(errs, err)
		}
	}
	return primary, errors.Join(errs...)
}

// Close calls Close on every wrapped output, collecting errors.
func (m *Multi) Close() error {
	var errs []error
	for _, o := range m.outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
