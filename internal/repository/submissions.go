package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/pos-relay/internal/models"
)

// SubmissionRepository persists submission envelopes. Insert is conflict
// aware so the idempotency guard can resolve races on the unique
// (terminal_id, submission_uuid) key without ever observing a driver error.
type SubmissionRepository interface {
	// Insert stores the submission and reports whether a row was created.
	// When it reports false, a submission with the same key already exists.
	Insert(ctx context.Context, sub *models.Submission) (bool, error)
	// GetByKey loads the submission for an idempotency key.
	GetByKey(ctx context.Context, terminalID, submissionUUID string) (*models.Submission, error)
	// GetByID loads a submission by primary key.
	GetByID(ctx context.Context, id int64) (*models.Submission, error)
	// UpdateStatus moves a submission from one status to another. The guard
	// on the current status keeps transitions monotonic; a no-op update is
	// not an error.
	UpdateStatus(ctx context.Context, id int64, from, to string) error
	// MarkCompletedIfDelivered flips a PROCESSING submission to COMPLETED
	// once every one of its transactions has been forwarded. Reports whether
	// the flip happened.
	MarkCompletedIfDelivered(ctx context.Context, id int64) (bool, error)
}

type postgresSubmissions struct {
	db *sql.DB
}

// NewSubmissionRepository constructs the Postgres-backed implementation.
func NewSubmissionRepository(db *sql.DB) SubmissionRepository {
	return &postgresSubmissions{db: db}
}

func (r *postgresSubmissions) Insert(ctx context.Context, sub *models.Submission) (bool, error) {
	query := `
		INSERT INTO submissions (
			tenant_id, terminal_id, submission_uuid, submission_timestamp,
			transaction_count, payload_checksum, status, callback_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (terminal_id, submission_uuid) DO NOTHING
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		sub.TenantID,
		sub.TerminalID,
		sub.SubmissionUUID,
		sub.SubmissionTimestamp,
		sub.TransactionCount,
		sub.PayloadChecksum,
		sub.Status,
		sub.CallbackURL,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// conflict: the key already exists
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: insert submission: %w", err)
	}
	return true, nil
}

func (r *postgresSubmissions) GetByKey(ctx context.Context, terminalID, submissionUUID string) (*models.Submission, error) {
	query := `
		SELECT id, tenant_id, terminal_id, submission_uuid, submission_timestamp,
		       transaction_count, payload_checksum, status, callback_url,
		       created_at, updated_at
		FROM submissions
		WHERE terminal_id = $1 AND submission_uuid = $2`

	sub := &models.Submission{}
	err := r.db.QueryRowContext(ctx, query, terminalID, submissionUUID).Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.TerminalID,
		&sub.SubmissionUUID,
		&sub.SubmissionTimestamp,
		&sub.TransactionCount,
		&sub.PayloadChecksum,
		&sub.Status,
		&sub.CallbackURL,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get submission: %w", err)
	}
	return sub, nil
}

func (r *postgresSubmissions) GetByID(ctx context.Context, id int64) (*models.Submission, error) {
	query := `
		SELECT id, tenant_id, terminal_id, submission_uuid, submission_timestamp,
		       transaction_count, payload_checksum, status, callback_url,
		       created_at, updated_at
		FROM submissions
		WHERE id = $1`

	sub := &models.Submission{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.TerminalID,
		&sub.SubmissionUUID,
		&sub.SubmissionTimestamp,
		&sub.TransactionCount,
		&sub.PayloadChecksum,
		&sub.Status,
		&sub.CallbackURL,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get submission: %w", err)
	}
	return sub, nil
}

func (r *postgresSubmissions) UpdateStatus(ctx context.Context, id int64, from, to string) error {
	query := `
		UPDATE submissions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`

	if _, err := r.db.ExecContext(ctx, query, to, id, from); err != nil {
		return fmt.Errorf("repository: update submission status: %w", err)
	}
	return nil
}

func (r *postgresSubmissions) MarkCompletedIfDelivered(ctx context.Context, id int64) (bool, error) {
	// only VALID transactions are forwarded; INVALID ones end their life at
	// validation, so completion means no VALID transaction lacks a completed
	// forward attempt
	query := `
		UPDATE submissions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
		  AND NOT EXISTS (
			SELECT 1 FROM transactions t
			LEFT JOIN forward_attempts f ON f.transaction_id = t.id
			WHERE t.submission_id = $2
			  AND (t.validation_status = $4
			       OR (t.validation_status = $5 AND (f.id IS NULL OR f.status <> $6)))
		  )`

	res, err := r.db.ExecContext(ctx, query, models.SubmissionCompleted, id,
		models.SubmissionProcessing, models.ValidationPending,
		models.ValidationValid, models.ForwardCompleted)
	if err != nil {
		return false, fmt.Errorf("repository: complete submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: complete submission: %w", err)
	}
	return n == 1, nil
}
