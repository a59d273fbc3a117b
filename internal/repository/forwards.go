package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/pos-relay/internal/models"
)

// ForwardAttemptRepository tracks delivery of validated transactions. The
// claim is a conditional status flip, so at most one worker ever holds a
// given attempt IN_PROGRESS.
type ForwardAttemptRepository interface {
	// Enqueue creates the PENDING attempt for a transaction. A transaction
	// already enqueued is left untouched.
	Enqueue(ctx context.Context, fa *models.ForwardAttempt) error
	// ClaimDue atomically flips up to limit due PENDING attempts to
	// IN_PROGRESS and returns them. Attempts whose claim lease has expired
	// count as due again, so a crashed dispatcher cannot strand its rows.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ForwardAttempt, error)
	// Release returns a claimed attempt to PENDING without consuming an
	// attempt, used when the circuit breaker short-circuits the call.
	Release(ctx context.Context, id int64) error
	// Complete marks the attempt COMPLETED and stores the acknowledgment.
	Complete(ctx context.Context, id int64, response string, at time.Time) error
	// Reschedule returns the attempt to PENDING with an updated counter and
	// next_retry_at after a transient failure.
	Reschedule(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error
	// Fail marks the attempt terminally FAILED.
	Fail(ctx context.Context, id int64, attempts int, lastError string, at time.Time) error
	// Requeue resets a FAILED attempt for another round of deliveries. This
	// is the operator-intervention hook and the only way out of FAILED.
	Requeue(ctx context.Context, id int64, nextRetryAt time.Time) error
	// GetByID loads one attempt.
	GetByID(ctx context.Context, id int64) (*models.ForwardAttempt, error)
}

// DefaultClaimLease bounds how long a claimed attempt may sit IN_PROGRESS
// before other dispatchers treat the claim as abandoned.
const DefaultClaimLease = 2 * time.Minute

type postgresForwards struct {
	db         *sql.DB
	claimLease time.Duration
}

// NewForwardAttemptRepository constructs the Postgres-backed implementation.
// A claimLease of zero or less falls back to DefaultClaimLease.
func NewForwardAttemptRepository(db *sql.DB, claimLease time.Duration) ForwardAttemptRepository {
	if claimLease <= 0 {
		claimLease = DefaultClaimLease
	}
	return &postgresForwards{db: db, claimLease: claimLease}
}

func (r *postgresForwards) Enqueue(ctx context.Context, fa *models.ForwardAttempt) error {
	query := `
		INSERT INTO forward_attempts (
			transaction_id, tenant_id, status, attempts, max_attempts, next_retry_at
		) VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		fa.TransactionID,
		fa.TenantID,
		models.ForwardPending,
		fa.MaxAttempts,
		fa.NextRetryAt,
	).Scan(&fa.ID, &fa.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// already enqueued by a previous validation run
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: enqueue forward attempt: %w", err)
	}
	fa.Status = models.ForwardPending
	return nil
}

const forwardColumns = `
	id, transaction_id, tenant_id, status, attempts, max_attempts,
	next_retry_at, last_error, last_response, created_at, completed_at`

func (r *postgresForwards) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ForwardAttempt, error) {
	// SKIP LOCKED keeps concurrent dispatchers from blocking on each
	// other's candidate rows. claimed_at is the lease: an IN_PROGRESS row
	// whose claim has outlived the lease belongs to a dead dispatcher and
	// is claimable again.
	query := `
		UPDATE forward_attempts SET status = $1, claimed_at = $3
		WHERE id IN (
			SELECT id FROM forward_attempts
			WHERE (status = $2 AND next_retry_at <= $3)
			   OR (status = $1 AND claimed_at <= $4)
			ORDER BY next_retry_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + forwardColumns

	rows, err := r.db.QueryContext(ctx, query,
		models.ForwardInProgress, models.ForwardPending, now, now.Add(-r.claimLease), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: claim forward attempts: %w", err)
	}
	defer rows.Close()

	var claimed []*models.ForwardAttempt
	for rows.Next() {
		fa, err := scanForward(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan forward attempt: %w", err)
		}
		claimed = append(claimed, fa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: claim forward attempts: %w", err)
	}
	return claimed, nil
}

func (r *postgresForwards) Release(ctx context.Context, id int64) error {
	query := `
		UPDATE forward_attempts SET status = $1, claimed_at = NULL
		WHERE id = $2 AND status = $3`

	if _, err := r.db.ExecContext(ctx, query, models.ForwardPending, id, models.ForwardInProgress); err != nil {
		return fmt.Errorf("repository: release forward attempt: %w", err)
	}
	return nil
}

func (r *postgresForwards) Complete(ctx context.Context, id int64, response string, at time.Time) error {
	query := `
		UPDATE forward_attempts
		SET status = $1, last_response = $2, last_error = '', completed_at = $3, claimed_at = NULL
		WHERE id = $4 AND status = $5`

	if _, err := r.db.ExecContext(ctx, query, models.ForwardCompleted, response, at, id, models.ForwardInProgress); err != nil {
		return fmt.Errorf("repository: complete forward attempt: %w", err)
	}
	return nil
}

func (r *postgresForwards) Reschedule(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error {
	query := `
		UPDATE forward_attempts
		SET status = $1, attempts = $2, next_retry_at = $3, last_error = $4, claimed_at = NULL
		WHERE id = $5 AND status = $6`

	if _, err := r.db.ExecContext(ctx, query, models.ForwardPending, attempts, nextRetryAt, lastError, id, models.ForwardInProgress); err != nil {
		return fmt.Errorf("repository: reschedule forward attempt: %w", err)
	}
	return nil
}

func (r *postgresForwards) Fail(ctx context.Context, id int64, attempts int, lastError string, at time.Time) error {
	query := `
		UPDATE forward_attempts
		SET status = $1, attempts = $2, last_error = $3, completed_at = $4, claimed_at = NULL
		WHERE id = $5 AND status = $6`

	if _, err := r.db.ExecContext(ctx, query, models.ForwardFailed, attempts, lastError, at, id, models.ForwardInProgress); err != nil {
		return fmt.Errorf("repository: fail forward attempt: %w", err)
	}
	return nil
}

func (r *postgresForwards) Requeue(ctx context.Context, id int64, nextRetryAt time.Time) error {
	query := `
		UPDATE forward_attempts
		SET status = $1, attempts = 0, next_retry_at = $2, last_error = '', completed_at = NULL, claimed_at = NULL
		WHERE id = $3 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, models.ForwardPending, nextRetryAt, id, models.ForwardFailed)
	if err != nil {
		return fmt.Errorf("repository: requeue forward attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: requeue forward attempt: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresForwards) GetByID(ctx context.Context, id int64) (*models.ForwardAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+forwardColumns+` FROM forward_attempts WHERE id = $1`, id)
	fa, err := scanForward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get forward attempt: %w", err)
	}
	return fa, nil
}

func scanForward(row rowScanner) (*models.ForwardAttempt, error) {
	fa := &models.ForwardAttempt{}
	var completedAt sql.NullTime

	err := row.Scan(
		&fa.ID,
		&fa.TransactionID,
		&fa.TenantID,
		&fa.Status,
		&fa.Attempts,
		&fa.MaxAttempts,
		&fa.NextRetryAt,
		&fa.LastError,
		&fa.LastResponse,
		&fa.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		fa.CompletedAt = &completedAt.Time
	}
	return fa, nil
}
