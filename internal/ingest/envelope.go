// Package ingest implements the submission intake surface: envelope decode,
// two-level checksum verification, idempotent admission and the HTTP
// handlers terminals talk to.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/pos-relay/internal/checksum"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/util"
)

// AdjustmentPayload is one itemized amount in a transaction payload.
type AdjustmentPayload struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// TransactionPayload is the wire shape of one transaction in an envelope.
type TransactionPayload struct {
	TransactionID   string              `json:"transaction_id"`
	Timestamp       string              `json:"timestamp"`
	GrossSales      decimal.Decimal     `json:"gross_sales"`
	NetSales        decimal.Decimal     `json:"net_sales"`
	VatableSales    decimal.Decimal     `json:"vatable_sales"`
	VATAmount       decimal.Decimal     `json:"vat_amount"`
	VATRate         decimal.Decimal     `json:"vat_rate"`
	Adjustments     []AdjustmentPayload `json:"adjustments,omitempty"`
	PayloadChecksum string              `json:"payload_checksum"`
}

// Envelope is the wire shape of a submission.
type Envelope struct {
	TenantID            string               `json:"tenant_id"`
	TerminalID          string               `json:"terminal_id"`
	SubmissionUUID      string               `json:"submission_uuid"`
	SubmissionTimestamp string               `json:"submission_timestamp"`
	TransactionCount    int                  `json:"transaction_count"`
	CallbackURL         string               `json:"callback_url,omitempty"`
	Transactions        []TransactionPayload `json:"transactions"`
	PayloadChecksum     string               `json:"payload_checksum"`
}

// ParsedSubmission is a fully verified envelope ready for admission.
type ParsedSubmission struct {
	TenantID            string
	TerminalID          string
	SubmissionUUID      string
	SubmissionTimestamp time.Time
	TransactionCount    int
	CallbackURL         string
	Checksum            string
	Transactions        []*models.Transaction
}

// ParseEnvelope decodes and verifies a raw submission. Both the envelope
// digest and every per-transaction digest must verify independently; any
// mismatch is reported as a checksum failure, everything else that stops the
// parse is malformed.
func ParseEnvelope(raw []byte) (*ParsedSubmission, error) {
	payload, err := checksum.Decode(raw)
	if err != nil {
		return nil, err
	}

	claimed, _ := payload[checksum.Field].(string)
	if claimed == "" {
		return nil, pipeline.WrapMalformed(errors.New("envelope missing payload_checksum"))
	}
	ok, err := checksum.Verify(payload, claimed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: envelope digest does not match payload", pipeline.ErrChecksumMismatch)
	}

	if err := verifyTransactionDigests(payload); err != nil {
		return nil, err
	}

	var env Envelope
	if err := unmarshalStrictNumbers(raw, &env); err != nil {
		return nil, pipeline.WrapMalformed(fmt.Errorf("decode envelope: %v", err))
	}

	return validateEnvelope(&env)
}

// unmarshalStrictNumbers decodes into the typed envelope while keeping
// number literals intact for the decimal fields.
func unmarshalStrictNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func verifyTransactionDigests(payload map[string]any) error {
	rawTxns, ok := payload["transactions"].([]any)
	if !ok || len(rawTxns) == 0 {
		return pipeline.WrapMalformed(errors.New("envelope has no transactions"))
	}

	for i, rawTxn := range rawTxns {
		txnMap, ok := rawTxn.(map[string]any)
		if !ok {
			return pipeline.WrapMalformed(fmt.Errorf("transaction %d is not an object", i))
		}
		claimed, _ := txnMap[checksum.Field].(string)
		if claimed == "" {
			return pipeline.WrapMalformed(fmt.Errorf("transaction %d missing payload_checksum", i))
		}
		ok, err := checksum.Verify(txnMap, claimed)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: transaction %d digest does not match payload", pipeline.ErrChecksumMismatch, i)
		}
	}
	return nil
}

func validateEnvelope(env *Envelope) (*ParsedSubmission, error) {
	tenantID, err := util.ValidateIdentifier("tenant_id", env.TenantID)
	if err != nil {
		return nil, pipeline.WrapMalformed(err)
	}
	terminalID, err := util.ValidateIdentifier("terminal_id", env.TerminalID)
	if err != nil {
		return nil, pipeline.WrapMalformed(err)
	}
	subUUID, err := util.ParseUUIDv4(env.SubmissionUUID)
	if err != nil {
		return nil, pipeline.WrapMalformed(err)
	}
	subTS, err := util.ParseRFC3339(env.SubmissionTimestamp)
	if err != nil {
		return nil, pipeline.WrapMalformed(err)
	}
	callbackURL := ""
	if env.CallbackURL != "" {
		callbackURL, err = util.ValidateHTTPURL(env.CallbackURL)
		if err != nil {
			return nil, pipeline.WrapMalformed(err)
		}
	}
	if env.TransactionCount != len(env.Transactions) {
		return nil, pipeline.WrapMalformed(fmt.Errorf("declared transaction_count %d does not match %d transactions", env.TransactionCount, len(env.Transactions)))
	}

	txns := make([]*models.Transaction, 0, len(env.Transactions))
	seen := make(map[string]struct{}, len(env.Transactions))
	for i, tp := range env.Transactions {
		txnID, err := util.ValidateIdentifier("transaction_id", tp.TransactionID)
		if err != nil {
			return nil, pipeline.WrapMalformed(fmt.Errorf("transaction %d: %v", i, err))
		}
		if _, dup := seen[txnID]; dup {
			return nil, pipeline.WrapMalformed(fmt.Errorf("transaction %d: duplicate transaction_id %q", i, txnID))
		}
		seen[txnID] = struct{}{}

		ts, err := util.ParseRFC3339(tp.Timestamp)
		if err != nil {
			return nil, pipeline.WrapMalformed(fmt.Errorf("transaction %d: %v", i, err))
		}

		adjustments := make([]models.Adjustment, 0, len(tp.Adjustments))
		for _, adj := range tp.Adjustments {
			if adj.Kind == "" {
				return nil, pipeline.WrapMalformed(fmt.Errorf("transaction %d: adjustment missing kind", i))
			}
			adjustments = append(adjustments, models.Adjustment{Kind: adj.Kind, Amount: adj.Amount})
		}

		txns = append(txns, &models.Transaction{
			TenantID:         tenantID,
			TerminalID:       terminalID,
			TransactionID:    txnID,
			Timestamp:        ts,
			GrossSales:       tp.GrossSales,
			NetSales:         tp.NetSales,
			VatableSales:     tp.VatableSales,
			VATAmount:        tp.VATAmount,
			VATRate:          tp.VATRate,
			Adjustments:      adjustments,
			PayloadChecksum:  tp.PayloadChecksum,
			ValidationStatus: models.ValidationPending,
		})
	}

	return &ParsedSubmission{
		TenantID:            tenantID,
		TerminalID:          terminalID,
		SubmissionUUID:      subUUID.String(),
		SubmissionTimestamp: subTS,
		TransactionCount:    env.TransactionCount,
		CallbackURL:         callbackURL,
		Checksum:            env.PayloadChecksum,
		Transactions:        txns,
	}, nil
}
