// Package elasticsearch is the bulk indexer: it writes batches into
// logs-{dataset}-{namespace} data streams with create-only bulk actions.
package elasticsearch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/crimson-sun/tributary/internal/elastic"
	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/output"
)

// DefaultChunkSize is the number of documents per _bulk request.
const DefaultChunkSize = 500

// IDMode selects how document ids are assigned.
type IDMode string

const (
	// IDAuto lets the cluster assign ids. Re-ingesting a window duplicates.
	IDAuto IDMode = "auto"
	// IDContent derives the id from the source and document content, so a
	// re-ingested record is rejected with 409 and counted as a duplicate.
	IDContent IDMode = "content"
)

// Option configures an Output.
type Option func(*Output)

// WithChunkSize sets the number of documents per bulk request.
func WithChunkSize(n int) Option {
	return func(o *Output) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithIDMode sets the document id mode. Default: IDAuto.
func WithIDMode(m IDMode) Option {
	return func(o *Output) { o.idMode = m }
}

// WithLogger sets the logger used for per-document rejections.
func WithLogger(l *slog.Logger) Option {
	return func(o *Output) { o.logger = l }
}

// Output is an output.Output backed by the _bulk API. It keeps no state
// between Write calls.
type Output struct {
	es        *elasticsearch.Client
	chunkSize int
	idMode    IDMode
	logger    *slog.Logger
}

// New creates a bulk indexer over es.
func New(es *elasticsearch.Client, opts ...Option) *Output {
	o := &Output{es: es, chunkSize: DefaultChunkSize, idMode: IDAuto}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.Default(o.logger).With("component", "bulk")
	return o
}

// Write indexes every event of batch. Per-document rejections are counted
// as failures and logged; only a whole-request failure returns an error,
// as *output.IndexError. Counts of chunks written before the failure are
// still returned.
func (o *Output) Write(ctx context.Context, batch model.IngestBatch) (model.Counts, error) {
	index := batch.IndexName()
	var total model.Counts
	for start := 0; start < len(batch.Events); start += o.chunkSize {
		end := min(start+o.chunkSize, len(batch.Events))
		c, err := o.bulk(ctx, index, batch.Source, batch.Events[start:end])
		total.Add(c)
		if err != nil {
			return total, err
		}
	}
	o.logger.Info("batch indexed", "index", index, "success", total.Success,
		"failure", total.Failure, "duplicate", total.Duplicate)
	return total, nil
}

func (o *Output) Close() error { return nil }

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

func (o *Output) bulk(ctx context.Context, index, source string, events []model.NormalizedEvent) (model.Counts, error) {
	var (
		c   model.Counts
		buf bytes.Buffer
		n   int
	)
	for i, ev := range events {
		doc, err := json.Marshal(ev)
		if err != nil {
			c.Failure++
			o.logger.Error("document not serializable", "index", index, "position", i, "error", err)
			continue
		}
		meta := map[string]any{}
		if o.idMode == IDContent {
			meta["_id"] = ContentID(source, ev)
		}
		action, _ := json.Marshal(map[string]any{"create": meta})
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
		n++
	}
	if n == 0 {
		return c, nil
	}

	res, err := o.es.Bulk(bytes.NewReader(buf.Bytes()),
		o.es.Bulk.WithIndex(index),
		o.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return c, &output.IndexError{Index: index, Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		err := elastic.DecodeError(res)
		retryable := res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500
		return c, &output.IndexError{Index: index, StatusCode: res.StatusCode, Retryable: retryable, Err: err}
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return c, &output.IndexError{Index: index, StatusCode: res.StatusCode, Retryable: true,
			Err: fmt.Errorf("decode bulk response: %w", err)}
	}

	for _, entry := range br.Items {
		for _, item := range entry {
			switch {
			case item.Status >= 200 && item.Status < 300:
				c.Success++
			case item.Status == http.StatusConflict && o.idMode == IDContent:
				c.Duplicate++
			default:
				c.Failure++
				reason := ""
				if item.Error != nil {
					reason = item.Error.Type + ": " + item.Error.Reason
				}
				o.logger.Warn("document rejected", "index", index, "id", item.ID,
					"status", item.Status, "reason", reason)
			}
		}
	}
	return c, nil
}

// ContentID is the deterministic document id used in IDContent mode: the hex
// SHA-256 of source and the event's canonical JSON, provenance excluded so
// the same record pulled in two windows gets the same id.
func ContentID(source string, ev model.NormalizedEvent) string {
	stripped := make(map[string]any, len(ev))
	for k, v := range ev {
		if k != model.ProvenanceKey {
			stripped[k] = v
		}
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, _ := json.Marshal(stripped)
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
