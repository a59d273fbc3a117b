// Package repository provides the Postgres persistence layer. Repositories
// are explicit: plain SQL, connection handles passed in, no hidden global
// state and no ORM relationships.
package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	terminal_id TEXT NOT NULL,
	submission_uuid UUID NOT NULL,
	submission_timestamp TIMESTAMPTZ NOT NULL,
	transaction_count INT NOT NULL,
	payload_checksum TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'RECEIVED',
	callback_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (terminal_id, submission_uuid)
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	submission_id BIGINT NOT NULL REFERENCES submissions(id),
	tenant_id TEXT NOT NULL,
	terminal_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL UNIQUE,
	transaction_timestamp TIMESTAMPTZ NOT NULL,
	gross_sales NUMERIC(14,2) NOT NULL,
	net_sales NUMERIC(14,2) NOT NULL,
	vatable_sales NUMERIC(14,2) NOT NULL,
	vat_amount NUMERIC(14,2) NOT NULL,
	vat_rate NUMERIC(8,4) NOT NULL,
	adjustments JSONB NOT NULL DEFAULT '[]',
	payload_checksum TEXT NOT NULL,
	validation_status TEXT NOT NULL DEFAULT 'PENDING',
	diagnostics TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	validated_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id BIGSERIAL PRIMARY KEY,
	transaction_id BIGINT NOT NULL REFERENCES transactions(id),
	status TEXT NOT NULL DEFAULT 'QUEUED',
	attempt INT NOT NULL DEFAULT 1,
	last_error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS forward_attempts (
	id BIGSERIAL PRIMARY KEY,
	transaction_id BIGINT NOT NULL REFERENCES transactions(id) UNIQUE,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL,
	next_retry_at TIMESTAMPTZ NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	last_response TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	claimed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_forward_attempts_due
	ON forward_attempts (next_retry_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_forward_attempts_claimed
	ON forward_attempts (claimed_at) WHERE status = 'IN_PROGRESS';
CREATE INDEX IF NOT EXISTS idx_transactions_submission
	ON transactions (submission_id);
CREATE INDEX IF NOT EXISTS idx_processing_jobs_transaction
	ON processing_jobs (transaction_id);
`

// Open connects to Postgres, verifies the connection and applies the schema.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: apply schema: %w", err)
	}

	return db, nil
}
