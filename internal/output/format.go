package output

import "github.com/crimson-sun/tributary/internal/model"

// Record is the line local sinks write for one event.
type Record struct {
	Index  string                `json:"_index"`
	Source string                `json:"source"`
	Event  model.NormalizedEvent `json:"event"`
}

// Records expands a batch into one Record per event, in batch order.
func Records(b model.IngestBatch) []Record {
	index := b.IndexName()
	out := make([]Record, 0, len(b.Events))
	for _, ev := range b.Events {
		out = append(out, Record{Index: index, Source: b.Source, Event: ev})
	}
	return out
}
