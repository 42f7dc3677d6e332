package model

// IngestBatch is the unit handed to an output. The destination index name is
// derived from Dataset and Namespace and never stored.
type IngestBatch struct {
	Source    string            `json:"source"`
	Dataset   string            `json:"dataset"`
	Namespace string            `json:"namespace"`
	Events    []NormalizedEvent `json:"events"`
}

// IndexName returns "logs-{dataset}-{namespace}".
func (b IngestBatch) IndexName() string {
	return IndexName(b.Dataset, b.Namespace)
}

// IndexName builds the data stream name for a dataset and namespace.
func IndexName(dataset, namespace string) string {
	return "logs-" + dataset + "-" + namespace
}

// Counts are per-document write outcomes for one batch.
type Counts struct {
	Success   int `json:"success"`
	Failure   int `json:"failure"`
	Duplicate int `json:"duplicate,omitempty"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Success += other.Success
	c.Failure += other.Failure
	c.Duplicate += other.Duplicate
}

// IndexJob is a queued indexing unit. TraceID joins it to the fetch unit that
// produced it.
type IndexJob struct {
	TaskID       string      `json:"task_id"`
	ParentTaskID string      `json:"parent_task_id"`
	TraceID      string      `json:"trace_id"`
	Batch        IngestBatch `json:"batch"`
}
