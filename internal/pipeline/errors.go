package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy used across the pipeline. Every
// component classifies its failures against these so callers can decide
// retry policy with errors.Is instead of string matching.
var (
	// ErrMalformedPayload marks a submission or job that cannot be parsed or
	// is missing required fields. Fatal for that payload, never retried.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrChecksumMismatch marks a payload whose claimed digest does not match
	// the computed one.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrConflictingReplay marks a replayed idempotency key carrying different
	// content than the stored submission.
	ErrConflictingReplay = errors.New("conflicting replay")
	// ErrValidationFailure marks a business-rule violation on a transaction.
	// Recorded, never retried.
	ErrValidationFailure = errors.New("validation failure")
	// ErrDownstreamUnavailable marks a delivery short-circuited by an open
	// circuit breaker. Retried later without consuming an attempt.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	// ErrTransientDelivery marks a timeout, network error or 5xx response.
	// Retried with backoff up to the attempt ceiling.
	ErrTransientDelivery = errors.New("transient delivery error")
	// ErrPermanentDelivery marks an exhausted or non-retryable delivery.
	// Terminal, requires operator intervention.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

// WrapMalformed annotates an error as a malformed-payload failure.
func WrapMalformed(err error) error {
	if err == nil {
		return ErrMalformedPayload
	}
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}

// WrapTransient annotates an error so callers can detect retryable delivery
// failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransientDelivery
	}
	return fmt.Errorf("%w: %v", ErrTransientDelivery, err)
}

// WrapPermanent annotates an error as a non-retryable delivery failure.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanentDelivery
	}
	return fmt.Errorf("%w: %v", ErrPermanentDelivery, err)
}

// Kind returns the stable identifier for the taxonomy class of err, or
// "unexpected" when the error does not belong to the taxonomy. The value is
// safe to expose to terminals and operators.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrConflictingReplay):
		return "conflicting_replay"
	case errors.Is(err, ErrValidationFailure):
		return "validation_failure"
	case errors.Is(err, ErrDownstreamUnavailable):
		return "downstream_unavailable"
	case errors.Is(err, ErrTransientDelivery):
		return "transient_delivery_error"
	case errors.Is(err, ErrPermanentDelivery):
		return "permanent_delivery_failure"
	default:
		return "unexpected"
	}
}

// ClientError is the structured shape surfaced to terminals. It carries the
// taxonomy kind and a human readable message, never a stack trace.
type ClientError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewClientError builds a ClientError from any pipeline error.
func NewClientError(err error) ClientError {
	return ClientError{Kind: Kind(err), Message: err.Error()}
}

// Error implements the error interface.
func (e ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
