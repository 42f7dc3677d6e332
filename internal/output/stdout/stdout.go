package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/output"
)

// Output writes one JSON record per event to stdout. It is the dry-run
// destination for `tributary run --output stdout`.
type Output struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// New creates a new stdout Output with optional pretty-printed JSON.
func New(pretty bool) *Output {
	return NewWriter(os.Stdout, pretty)
}

// NewWriter is New for an arbitrary writer.
func NewWriter(w io.Writer, pretty bool) *Output {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return &Output{enc: enc}
}

func (o *Output) Write(_ context.Context, batch model.IngestBatch) (model.Counts, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var c model.Counts
	for _, rec := range output.Records(batch) {
		if err := o.enc.Encode(rec); err != nil {
			return c, fmt.Errorf("stdout output: %w", err)
		}
		c.Success++
	}
	return c, nil
}

func (o *Output) Close() error {
	return nil
}
