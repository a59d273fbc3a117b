package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/pos-relay/internal/models"
)

// TransactionRepository persists transactions. Monetary columns are NUMERIC
// and scanned into fixed-point decimals; once validated a row is immutable
// except for its validation status and diagnostics.
type TransactionRepository interface {
	InsertBatch(ctx context.Context, txns []*models.Transaction) error
	GetByID(ctx context.Context, id int64) (*models.Transaction, error)
	SetValidation(ctx context.Context, id int64, status, diagnostics string, at time.Time) error
	ListBySubmission(ctx context.Context, submissionID int64) ([]*models.Transaction, error)
}

type postgresTransactions struct {
	db *sql.DB
}

// NewTransactionRepository constructs the Postgres-backed implementation.
func NewTransactionRepository(db *sql.DB) TransactionRepository {
	return &postgresTransactions{db: db}
}

func (r *postgresTransactions) InsertBatch(ctx context.Context, txns []*models.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin transaction batch: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO transactions (
			submission_id, tenant_id, terminal_id, transaction_id,
			transaction_timestamp, gross_sales, net_sales, vatable_sales,
			vat_amount, vat_rate, adjustments, payload_checksum, validation_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`

	for _, txn := range txns {
		adjustments, err := json.Marshal(txn.Adjustments)
		if err != nil {
			return fmt.Errorf("repository: encode adjustments: %w", err)
		}
		err = tx.QueryRowContext(ctx, query,
			txn.SubmissionID,
			txn.TenantID,
			txn.TerminalID,
			txn.TransactionID,
			txn.Timestamp,
			txn.GrossSales,
			txn.NetSales,
			txn.VatableSales,
			txn.VATAmount,
			txn.VATRate,
			adjustments,
			txn.PayloadChecksum,
			models.ValidationPending,
		).Scan(&txn.ID, &txn.CreatedAt)
		if err != nil {
			return fmt.Errorf("repository: insert transaction %s: %w", txn.TransactionID, err)
		}
		txn.ValidationStatus = models.ValidationPending
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: commit transaction batch: %w", err)
	}
	return nil
}

const transactionColumns = `
	id, submission_id, tenant_id, terminal_id, transaction_id,
	transaction_timestamp, gross_sales, net_sales, vatable_sales,
	vat_amount, vat_rate, adjustments, payload_checksum,
	validation_status, diagnostics, created_at, validated_at`

func (r *postgresTransactions) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get transaction: %w", err)
	}
	return txn, nil
}

func (r *postgresTransactions) SetValidation(ctx context.Context, id int64, status, diagnostics string, at time.Time) error {
	query := `
		UPDATE transactions
		SET validation_status = $1, diagnostics = $2, validated_at = $3
		WHERE id = $4`

	if _, err := r.db.ExecContext(ctx, query, status, diagnostics, at, id); err != nil {
		return fmt.Errorf("repository: set validation: %w", err)
	}
	return nil
}

func (r *postgresTransactions) ListBySubmission(ctx context.Context, submissionID int64) ([]*models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE submission_id = $1 ORDER BY id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("repository: list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: list transactions: %w", err)
	}
	return txns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	txn := &models.Transaction{}
	var adjustments []byte
	var validatedAt sql.NullTime

	err := row.Scan(
		&txn.ID,
		&txn.SubmissionID,
		&txn.TenantID,
		&txn.TerminalID,
		&txn.TransactionID,
		&txn.Timestamp,
		&txn.GrossSales,
		&txn.NetSales,
		&txn.VatableSales,
		&txn.VATAmount,
		&txn.VATRate,
		&adjustments,
		&txn.PayloadChecksum,
		&txn.ValidationStatus,
		&txn.Diagnostics,
		&txn.CreatedAt,
		&validatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(adjustments) > 0 {
		if err := json.Unmarshal(adjustments, &txn.Adjustments); err != nil {
			return nil, fmt.Errorf("decode adjustments: %w", err)
		}
	}
	if validatedAt.Valid {
		txn.ValidatedAt = &validatedAt.Time
	}
	return txn, nil
}
