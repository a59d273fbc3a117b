// Package validator implements the arithmetic and business-rule checks a
// transaction must pass before it is forwarded. All comparisons use
// fixed-point decimals with a configurable epsilon that absorbs terminal-side
// rounding; floating point would silently break those comparisons and is
// never used.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
)

// Check names referenced by diagnostics and tests.
const (
	CheckGrossPositive  = "gross_sales_positive"
	CheckNetPlusVAT     = "net_plus_vat_equals_gross"
	CheckVATComputation = "vat_matches_vatable_sales"
	CheckReconciliation = "components_reconcile_with_gross"
)

// Check is the outcome of a single rule, carried in the persisted
// diagnostics so operators can see exactly which invariant failed.
type Check struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Verdict is the full validation result for one transaction.
type Verdict struct {
	Valid  bool    `json:"is_valid"`
	Checks []Check `json:"checks"`
}

// FailedChecks returns the names of the checks that did not pass.
func (v Verdict) FailedChecks() []string {
	var failed []string
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// DiagnosticsJSON renders the verdict for storage on the transaction row.
func (v Verdict) DiagnosticsJSON() string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Validator evaluates the rule set with a fixed epsilon.
type Validator struct {
	epsilon decimal.Decimal
}

// New constructs a Validator. The epsilon is expressed in currency units,
// e.g. "0.02".
func New(epsilon decimal.Decimal) *Validator {
	if epsilon.IsNegative() {
		epsilon = epsilon.Abs()
	}
	return &Validator{epsilon: epsilon}
}

// Validate runs every check against the transaction and returns the verdict.
// Business-rule failures are reported in the verdict, never as an error; the
// only error class is a malformed transaction missing required fields.
// Re-validating the same immutable transaction yields the same verdict.
func (v *Validator) Validate(txn *models.Transaction) (Verdict, error) {
	if txn == nil {
		return Verdict{}, pipeline.WrapMalformed(errors.New("transaction is nil"))
	}
	if txn.TransactionID == "" {
		return Verdict{}, pipeline.WrapMalformed(errors.New("transaction_id is required"))
	}
	if txn.Timestamp.IsZero() {
		return Verdict{}, pipeline.WrapMalformed(errors.New("timestamp is required"))
	}

	checks := []Check{
		v.checkGrossPositive(txn),
		v.checkNetPlusVAT(txn),
		v.checkVATComputation(txn),
		v.checkReconciliation(txn),
	}

	verdict := Verdict{Valid: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			verdict.Valid = false
		}
	}
	return verdict, nil
}

func (v *Validator) checkGrossPositive(txn *models.Transaction) Check {
	c := Check{
		Name:     CheckGrossPositive,
		Expected: "> 0",
		Actual:   txn.GrossSales.String(),
		Passed:   txn.GrossSales.IsPositive(),
	}
	if !c.Passed {
		c.Detail = "gross_sales must be greater than zero"
	}
	return c
}

func (v *Validator) checkNetPlusVAT(txn *models.Transaction) Check {
	expected := txn.GrossSales.Sub(txn.VATAmount)
	c := Check{
		Name:     CheckNetPlusVAT,
		Expected: expected.String(),
		Actual:   txn.NetSales.String(),
		Passed:   v.within(txn.NetSales, expected),
	}
	if !c.Passed {
		c.Detail = fmt.Sprintf("net_sales %s does not equal gross_sales - vat_amount %s within epsilon %s",
			txn.NetSales, expected, v.epsilon)
	}
	return c
}

func (v *Validator) checkVATComputation(txn *models.Transaction) Check {
	expected := txn.VatableSales.Mul(txn.VATRate)
	c := Check{
		Name:     CheckVATComputation,
		Expected: expected.String(),
		Actual:   txn.VATAmount.String(),
		Passed:   v.within(txn.VATAmount, expected),
	}
	if !c.Passed {
		c.Detail = fmt.Sprintf("vat_amount %s does not match vatable_sales * vat_rate %s within epsilon %s",
			txn.VATAmount, expected, v.epsilon)
	}
	return c
}

func (v *Validator) checkReconciliation(txn *models.Transaction) Check {
	components := txn.VatableSales.Add(txn.VATAmount)
	for _, adj := range txn.Adjustments {
		components = components.Add(adj.Amount)
	}
	c := Check{
		Name:     CheckReconciliation,
		Expected: txn.GrossSales.String(),
		Actual:   components.String(),
		Passed:   v.within(components, txn.GrossSales),
	}
	if !c.Passed {
		c.Detail = fmt.Sprintf("vatable_sales + vat_amount + adjustments %s does not reconcile with gross_sales %s within epsilon %s",
			components, txn.GrossSales, v.epsilon)
	}
	return c
}

func (v *Validator) within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(v.epsilon)
}
