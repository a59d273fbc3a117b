// Package forwarder delivers validated transactions to the downstream web
// application. Delivery is driven from the forward_attempts table: a
// dispatcher claims due attempts, a circuit breaker per tenant guards the
// downstream, and transient failures are rescheduled with exponential
// backoff until the attempt budget runs out.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
)

const maxResponseBytes = 64 * 1024

// forwardRequest is the wire shape posted to the downstream application.
type forwardRequest struct {
	TenantID     string                `json:"tenant_id"`
	Count        int                   `json:"count"`
	Transactions []*models.Transaction `json:"transactions"`
}

// forwardResponse is the acknowledgement the downstream returns.
type forwardResponse struct {
	ReceivedCount int `json:"received_count"`
}

// Client posts transaction batches to the downstream endpoint and classifies
// the outcome: 4xx responses are permanent, 5xx and transport failures are
// transient, and an acknowledgement that does not cover the full batch is
// treated as transient so the batch is redelivered.
type Client struct {
	httpClient *http.Client
	url        string
	logger     zerolog.Logger
}

// NewClient constructs a Client with a hard per-request timeout.
func NewClient(url string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	if url == "" {
		return nil, errors.New("forwarder: downstream url is required")
	}
	if timeout <= 0 {
		return nil, errors.New("forwarder: request timeout must be positive")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		logger:     logger.With().Str("component", "forward_client").Logger(),
	}, nil
}

// Forward posts the batch and returns a short response summary for auditing.
func (c *Client) Forward(ctx context.Context, tenantID string, txns []*models.Transaction) (string, error) {
	if len(txns) == 0 {
		return "", pipeline.WrapPermanent(errors.New("forward batch is empty"))
	}

	body, err := json.Marshal(forwardRequest{
		TenantID:     tenantID,
		Count:        len(txns),
		Transactions: txns,
	})
	if err != nil {
		return "", pipeline.WrapPermanent(fmt.Errorf("marshal forward batch: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", pipeline.WrapPermanent(fmt.Errorf("build forward request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", pipeline.WrapTransient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", pipeline.WrapTransient(fmt.Errorf("read forward response: %v", err))
	}
	summary := fmt.Sprintf("status=%d body=%s", resp.StatusCode, truncate(string(raw), 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack forwardResponse
		if err := json.Unmarshal(raw, &ack); err != nil {
			return summary, pipeline.WrapTransient(fmt.Errorf("unparseable acknowledgement: %v", err))
		}
		if ack.ReceivedCount != len(txns) {
			return summary, pipeline.WrapTransient(fmt.Errorf("partial acknowledgement: sent %d, downstream received %d", len(txns), ack.ReceivedCount))
		}
		return summary, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return summary, pipeline.WrapPermanent(fmt.Errorf("downstream rejected batch: %s", summary))
	default:
		return summary, pipeline.WrapTransient(fmt.Errorf("downstream unavailable: %s", summary))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
