package model

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFetching  Status = "FETCHING"
	StatusIndexing  Status = "INDEXING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunResult is the observable outcome of one orchestrated unit of work.
type RunResult struct {
	Status        Status  `json:"status"`
	Message       string  `json:"message"`
	TraceID       string  `json:"trace_id"`
	TransactionID string  `json:"transaction_id"`
	Attempts      int     `json:"attempts"`
	Counts        *Counts `json:"counts,omitempty"`
	Error         string  `json:"error,omitempty"`
	Truncated     bool    `json:"truncated,omitempty"`
	IndexTaskID   string  `json:"index_task_id,omitempty"`
}

// Task is the status record of one scheduled or triggered unit, as shown to
// the trigger surface.
type Task struct {
	ID      string         `json:"task_id"`
	Name    string         `json:"task_name"`
	Status  Status         `json:"task_status"`
	Args    map[string]any `json:"args,omitempty"`
	Result  *RunResult     `json:"task_result,omitempty"`
	Started time.Time      `json:"started"`
	Updated time.Time      `json:"updated"`
}
