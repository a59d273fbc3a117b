package validator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func sampleTransaction() *models.Transaction {
	return &models.Transaction{
		TransactionID: "txn-001",
		Timestamp:     time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC),
		GrossSales:    dec("1120.00"),
		NetSales:      dec("1000.00"),
		VatableSales:  dec("1000.00"),
		VATAmount:     dec("120.00"),
		VATRate:       dec("0.12"),
	}
}

func TestValidateWellFormedTransaction(t *testing.T) {
	v := New(dec("0.02"))

	verdict, err := v.Validate(sampleTransaction())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected VALID verdict, failed checks: %v", verdict.FailedChecks())
	}
	if len(verdict.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(verdict.Checks))
	}
}

func TestValidateVATMismatch(t *testing.T) {
	v := New(dec("0.02"))

	txn := sampleTransaction()
	txn.VATAmount = dec("200.00")

	verdict, err := v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Valid {
		t.Fatalf("expected INVALID verdict")
	}

	failed := verdict.FailedChecks()
	found := false
	for _, name := range failed {
		if name == CheckVATComputation {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among failed checks, got %v", CheckVATComputation, failed)
	}
}

func TestValidateEpsilonAbsorbsRounding(t *testing.T) {
	v := New(dec("0.02"))

	txn := sampleTransaction()
	// one cent of rounding drift on both derived figures
	txn.NetSales = dec("1000.01")
	txn.VATAmount = dec("119.99")

	verdict, err := v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected epsilon to absorb rounding, failed: %v", verdict.FailedChecks())
	}

	// drift past epsilon flips the verdict
	txn.NetSales = dec("1000.04")
	verdict, err = v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Valid {
		t.Fatalf("expected INVALID verdict beyond epsilon")
	}
}

func TestValidateGrossMustBePositive(t *testing.T) {
	v := New(dec("0.02"))

	txn := sampleTransaction()
	txn.GrossSales = dec("0")
	txn.NetSales = dec("0")
	txn.VatableSales = dec("0")
	txn.VATAmount = dec("0")

	verdict, err := v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Valid {
		t.Fatalf("expected INVALID verdict for non-positive gross")
	}
	if got := verdict.FailedChecks(); len(got) != 1 || got[0] != CheckGrossPositive {
		t.Fatalf("expected only %s to fail, got %v", CheckGrossPositive, got)
	}
}

func TestValidateAdjustmentsReconcile(t *testing.T) {
	v := New(dec("0.02"))

	txn := sampleTransaction()
	txn.GrossSales = dec("1220.00")
	txn.NetSales = dec("1100.00")
	txn.Adjustments = []models.Adjustment{
		{Kind: "exempt_sales", Amount: dec("150.00")},
		{Kind: "discount", Amount: dec("-50.00")},
	}

	verdict, err := v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected adjustments to reconcile, failed: %v", verdict.FailedChecks())
	}

	txn.Adjustments[0].Amount = dec("175.00")
	verdict, err = v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Valid {
		t.Fatalf("expected INVALID verdict for unreconciled adjustments")
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	v := New(dec("0.02"))
	txn := sampleTransaction()
	txn.VATAmount = dec("200.00")

	first, err := v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.DiagnosticsJSON() != second.DiagnosticsJSON() {
		t.Fatalf("re-validating the same transaction must yield the same verdict")
	}
}

func TestValidateMalformed(t *testing.T) {
	v := New(dec("0.02"))

	if _, err := v.Validate(nil); !errors.Is(err, pipeline.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for nil transaction, got %v", err)
	}

	txn := sampleTransaction()
	txn.TransactionID = ""
	if _, err := v.Validate(txn); !errors.Is(err, pipeline.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for missing transaction_id, got %v", err)
	}
}

func TestDiagnosticsNameFailedCheck(t *testing.T) {
	v := New(dec("0.02"))
	txn := sampleTransaction()
	txn.VATAmount = dec("200.00")

	verdict, err := v.Validate(txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(verdict.DiagnosticsJSON(), CheckVATComputation) {
		t.Fatalf("diagnostics must name the failed check: %s", verdict.DiagnosticsJSON())
	}
}
