// Package idempotency decides whether an incoming submission is new, an
// exact replay or a conflicting replay of its (terminal_id, submission_uuid)
// key. Admission and insert are atomic with respect to the unique key
// constraint: when two identical submissions race, exactly one creates the
// row and the loser is remapped by re-reading the now-existing record.
package idempotency

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/models"
)

// Result classifies an admission.
type Result string

const (
	// ResultNew means the submission was created and must be processed.
	ResultNew Result = "NEW"
	// ResultDuplicateOK means an identical submission already exists; the
	// caller acknowledges success from the stored outcome and must not
	// reprocess the transactions.
	ResultDuplicateOK Result = "DUPLICATE_OK"
	// ResultConflict means the key exists with different content. The caller
	// rejects the request; the stored submission is untouched.
	ResultConflict Result = "CONFLICT"
)

// SubmissionStore is the slice of the submission repository the guard needs.
type SubmissionStore interface {
	Insert(ctx context.Context, sub *models.Submission) (bool, error)
	GetByKey(ctx context.Context, terminalID, submissionUUID string) (*models.Submission, error)
}

// Request carries the envelope fields relevant to admission.
type Request struct {
	TenantID            string
	TerminalID          string
	SubmissionUUID      string
	SubmissionTimestamp time.Time
	Checksum            string
	DeclaredCount       int
	CallbackURL         string
}

// Guard performs idempotent admission over a SubmissionStore.
type Guard struct {
	store  SubmissionStore
	logger zerolog.Logger
}

// NewGuard constructs a Guard.
func NewGuard(store SubmissionStore, logger zerolog.Logger) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency: store is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Guard{
		store:  store,
		logger: logger.With().Str("component", "idempotency_guard").Logger(),
	}, nil
}

// Admit resolves the request against the stored submission for its key and
// returns the classification together with the authoritative record.
func (g *Guard) Admit(ctx context.Context, req Request) (Result, *models.Submission, error) {
	candidate := &models.Submission{
		TenantID:            req.TenantID,
		TerminalID:          req.TerminalID,
		SubmissionUUID:      req.SubmissionUUID,
		SubmissionTimestamp: req.SubmissionTimestamp,
		TransactionCount:    req.DeclaredCount,
		PayloadChecksum:     req.Checksum,
		Status:              models.SubmissionReceived,
		CallbackURL:         req.CallbackURL,
	}

	created, err := g.store.Insert(ctx, candidate)
	if err != nil {
		return "", nil, fmt.Errorf("idempotency: admit: %w", err)
	}
	if created {
		g.logger.Debug().
			Str("terminal_id", req.TerminalID).
			Str("submission_uuid", req.SubmissionUUID).
			Msg("submission admitted")
		return ResultNew, candidate, nil
	}

	// key exists: re-read and compare content
	existing, err := g.store.GetByKey(ctx, req.TerminalID, req.SubmissionUUID)
	if err != nil {
		return "", nil, fmt.Errorf("idempotency: reread existing submission: %w", err)
	}

	if existing.SameContent(req.Checksum, req.DeclaredCount) {
		g.logger.Info().
			Str("terminal_id", req.TerminalID).
			Str("submission_uuid", req.SubmissionUUID).
			Msg("idempotent replay acknowledged")
		return ResultDuplicateOK, existing, nil
	}

	g.logger.Warn().
		Str("terminal_id", req.TerminalID).
		Str("submission_uuid", req.SubmissionUUID).
		Str("stored_checksum", existing.PayloadChecksum).
		Str("claimed_checksum", req.Checksum).
		Msg("conflicting replay rejected")
	return ResultConflict, existing, nil
}
