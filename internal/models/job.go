package models

import "time"

// Processing job statuses.
const (
	JobQueued     = "QUEUED"
	JobProcessing = "PROCESSING"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

// ProcessingJob records one attempt lifecycle for a transaction's validation.
// A new row is written per attempt; the transaction's current state derives
// from its latest job. Attempt is the single canonical counter for validation
// work.
type ProcessingJob struct {
	ID            int64      `json:"id"`
	TransactionID int64      `json:"transaction_id"`
	Status        string     `json:"status"`
	Attempt       int        `json:"attempt"`
	LastError     string     `json:"last_error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
