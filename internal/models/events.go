package models

import "time"

// Pipeline lifecycle event types published to the status topic.
const (
	EventReceived         = "received"
	EventDuplicate        = "duplicate"
	EventConflict         = "conflict"
	EventValidated        = "validated"
	EventValidationFailed = "validation_failed"
	EventForwardAttempt   = "forward_attempt"
	EventForwarded        = "forwarded"
	EventForwardFailed    = "forward_failed"
	EventNotified         = "notified"
	EventNotifyFailed     = "notify_failed"
	EventDeadLettered     = "dead_lettered"
)

// Failure types for dead-letter records.
const (
	FailureTypePermanent  = "permanent"
	FailureTypeTransient  = "transient"
	FailureTypeValidation = "validation"
	FailureTypeUnknown    = "unknown"
)

// PipelineEvent is the structured lifecycle update emitted for a submission
// or transaction as it moves through the pipeline.
type PipelineEvent struct {
	EventType      string            `json:"event_type"`
	TenantID       string            `json:"tenant_id,omitempty"`
	TerminalID     string            `json:"terminal_id,omitempty"`
	SubmissionUUID string            `json:"submission_uuid,omitempty"`
	TransactionID  string            `json:"transaction_id,omitempty"`
	Attempt        int               `json:"attempt,omitempty"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// DeadLetter is written to the DLQ topic when a queued job fails permanently
// or exhausts its retry budget.
type DeadLetter struct {
	JobKind        string    `json:"job_kind"`
	JobID          string    `json:"job_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	SubmissionUUID string    `json:"submission_uuid,omitempty"`
	OriginalValue  []byte    `json:"original_value,omitempty"`
	Attempts       int       `json:"attempts"`
	FailureType    string    `json:"failure_type"`
	LastError      string    `json:"last_error,omitempty"`
	FirstFailedAt  time.Time `json:"first_failed_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

// ValidationJob is the queue message that asks a validation worker to run the
// rule engine over one stored transaction.
type ValidationJob struct {
	JobID          string    `json:"job_id"`
	TenantID       string    `json:"tenant_id"`
	TerminalID     string    `json:"terminal_id"`
	SubmissionUUID string    `json:"submission_uuid"`
	TransactionID  int64     `json:"transaction_id"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NotifyJob is the queue message that asks the notify worker to deliver a
// validation result to the terminal's callback URL. Delivery is at-least-once
// with its own retry budget, decoupled from forwarding.
type NotifyJob struct {
	JobID          string    `json:"job_id"`
	TenantID       string    `json:"tenant_id"`
	SubmissionUUID string    `json:"submission_uuid"`
	TransactionID  string    `json:"transaction_id"`
	CallbackURL    string    `json:"callback_url"`
	Result         string    `json:"validation_result"`
	Errors         []string  `json:"errors,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
