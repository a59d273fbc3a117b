package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProcessingJobRepository records one row per validation attempt so the
// pipeline is observable at every step. The attempt number comes from the
// queue delivery, making it the single source of truth.
type ProcessingJobRepository interface {
	// Start inserts a PROCESSING job row for the attempt and returns its id.
	Start(ctx context.Context, transactionID int64, attempt int) (int64, error)
	// Complete marks the job COMPLETED.
	Complete(ctx context.Context, jobID int64, at time.Time) error
	// Fail marks the job FAILED with its last error.
	Fail(ctx context.Context, jobID int64, lastError string, at time.Time) error
}

type postgresJobs struct {
	db *sql.DB
}

// NewProcessingJobRepository constructs the Postgres-backed implementation.
func NewProcessingJobRepository(db *sql.DB) ProcessingJobRepository {
	return &postgresJobs{db: db}
}

func (r *postgresJobs) Start(ctx context.Context, transactionID int64, attempt int) (int64, error) {
	query := `
		INSERT INTO processing_jobs (transaction_id, status, attempt)
		VALUES ($1, 'PROCESSING', $2)
		RETURNING id`

	var id int64
	if err := r.db.QueryRowContext(ctx, query, transactionID, attempt).Scan(&id); err != nil {
		return 0, fmt.Errorf("repository: start processing job: %w", err)
	}
	return id, nil
}

func (r *postgresJobs) Complete(ctx context.Context, jobID int64, at time.Time) error {
	query := `
		UPDATE processing_jobs SET status = 'COMPLETED', completed_at = $1
		WHERE id = $2`

	if _, err := r.db.ExecContext(ctx, query, at, jobID); err != nil {
		return fmt.Errorf("repository: complete processing job: %w", err)
	}
	return nil
}

func (r *postgresJobs) Fail(ctx context.Context, jobID int64, lastError string, at time.Time) error {
	query := `
		UPDATE processing_jobs SET status = 'FAILED', last_error = $1, completed_at = $2
		WHERE id = $3`

	if _, err := r.db.ExecContext(ctx, query, lastError, at, jobID); err != nil {
		return fmt.Errorf("repository: fail processing job: %w", err)
	}
	return nil
}
