package models

import "time"

// Forward attempt statuses.
const (
	ForwardPending    = "PENDING"
	ForwardInProgress = "IN_PROGRESS"
	ForwardCompleted  = "COMPLETED"
	ForwardFailed     = "FAILED"
)

// ForwardAttempt tracks delivery of one validated transaction to the
// downstream web application. Attempts is the single canonical delivery
// counter; once it reaches MaxAttempts the record is terminally FAILED and is
// only ever re-queued by operator intervention.
type ForwardAttempt struct {
	ID            int64      `json:"id"`
	TransactionID int64      `json:"transaction_id"`
	TenantID      string     `json:"tenant_id"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	NextRetryAt   time.Time  `json:"next_retry_at"`
	LastError     string     `json:"last_error,omitempty"`
	LastResponse  string     `json:"last_response,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Exhausted reports whether the attempt budget has been consumed.
func (f *ForwardAttempt) Exhausted() bool {
	return f.Attempts >= f.MaxAttempts
}
