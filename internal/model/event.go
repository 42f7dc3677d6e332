package model

// RawEvent is a record exactly as a source returned it on a page.
type RawEvent map[string]any

// NormalizedEvent is a RawEvent plus the fields a source requires (for
// example "@timestamp" and "message") and the provenance object. It never
// drops fields the source connector did not explicitly strip.
type NormalizedEvent map[string]any

// ProvenanceKey is the top-level field holding the source and poll window
// that produced an event.
const ProvenanceKey = "tributary"

// Provenance identifies where and for which window an event was pulled.
type Provenance struct {
	Source      string `json:"source"`
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
	Reference   string `json:"reference"`
}

// Map renders the provenance as a document object.
func (p Provenance) Map() map[string]any {
	return map[string]any{
		"source":       p.Source,
		"window_start": p.WindowStart,
		"window_end":   p.WindowEnd,
		"reference":    p.Reference,
	}
}

// Clone returns a shallow copy of the raw event as a NormalizedEvent.
func (r RawEvent) Clone() NormalizedEvent {
	out := make(NormalizedEvent, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}
