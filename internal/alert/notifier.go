package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/util"
)

// LogNotifier writes raised alerts to the service log. It is the fallback
// sink when no operator webhook is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogNotifier{logger: logger.With().Str("component", "alert_log_notifier").Logger()}
}

// Alert logs the alert at warn level.
func (n *LogNotifier) Alert(_ context.Context, a Alert) error {
	n.logger.Warn().
		Str("tenant_id", a.TenantID).
		Str("kind", a.Kind).
		Int("count", a.Count).
		Str("detail", a.Detail).
		Time("raised_at", a.RaisedAt).
		Msg("failure threshold exceeded")
	return nil
}

// WebhookNotifier posts raised alerts as JSON to an operator endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a WebhookNotifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) (*WebhookNotifier, error) {
	parsed, err := util.ValidateHTTPURL(url)
	if err != nil {
		return nil, fmt.Errorf("alert: webhook url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &WebhookNotifier{
		url:    parsed,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook_notifier").Logger(),
	}, nil
}

// Alert delivers the alert to the webhook. Non-2xx responses are errors so
// the monitor can log the failed delivery.
func (n *WebhookNotifier) Alert(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: deliver webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert: webhook responded with status %d", resp.StatusCode)
	}

	n.logger.Debug().
		Str("tenant_id", a.TenantID).
		Str("kind", a.Kind).
		Msg("alert delivered")
	return nil
}
