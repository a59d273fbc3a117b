package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction validation statuses.
const (
	ValidationPending = "PENDING"
	ValidationValid   = "VALID"
	ValidationInvalid = "INVALID"
)

// Adjustment is an itemized amount (discount, exempt sales, zero-rated sales,
// service charge) declared alongside the headline totals. Amounts are signed.
type Adjustment struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// Transaction is a single monetary event owned by the submission that
// introduced it. Monetary fields are fixed-point decimals; floating point is
// never used for them. Once validated the record is immutable except for the
// validation status and diagnostics.
type Transaction struct {
	ID               int64           `json:"id"`
	SubmissionID     int64           `json:"submission_id"`
	TenantID         string          `json:"tenant_id"`
	TerminalID       string          `json:"terminal_id"`
	TransactionID    string          `json:"transaction_id"`
	Timestamp        time.Time       `json:"timestamp"`
	GrossSales       decimal.Decimal `json:"gross_sales"`
	NetSales         decimal.Decimal `json:"net_sales"`
	VatableSales     decimal.Decimal `json:"vatable_sales"`
	VATAmount        decimal.Decimal `json:"vat_amount"`
	VATRate          decimal.Decimal `json:"vat_rate"`
	Adjustments      []Adjustment    `json:"adjustments,omitempty"`
	PayloadChecksum  string          `json:"payload_checksum"`
	ValidationStatus string          `json:"validation_status"`
	Diagnostics      string          `json:"diagnostics,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ValidatedAt      *time.Time      `json:"validated_at,omitempty"`
}
