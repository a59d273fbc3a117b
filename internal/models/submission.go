package models

import "time"

// Submission statuses. Transitions are monotonic: a submission never leaves
// COMPLETED or CONFLICT once it arrives there.
const (
	SubmissionReceived   = "RECEIVED"
	SubmissionProcessing = "PROCESSING"
	SubmissionCompleted  = "COMPLETED"
	SubmissionConflict   = "CONFLICT"
)

// Submission is the idempotent envelope grouping the transactions a terminal
// sent in one logical batch. It is identified by the unique
// (terminal_id, submission_uuid) pair; replays of that key are resolved
// against the stored checksum and declared count.
type Submission struct {
	ID                  int64     `json:"id"`
	TenantID            string    `json:"tenant_id"`
	TerminalID          string    `json:"terminal_id"`
	SubmissionUUID      string    `json:"submission_uuid"`
	SubmissionTimestamp time.Time `json:"submission_timestamp"`
	TransactionCount    int       `json:"transaction_count"`
	PayloadChecksum     string    `json:"payload_checksum"`
	Status              string    `json:"status"`
	CallbackURL         string    `json:"callback_url,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// SameContent reports whether a replay carries the exact content recorded for
// this submission, which is the condition for an idempotent no-op success.
func (s *Submission) SameContent(checksum string, declaredCount int) bool {
	return s.PayloadChecksum == checksum && s.TransactionCount == declaredCount
}
