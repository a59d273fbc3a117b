// Package alert decides whether and when to raise failure-threshold alerts.
// It counts failure events over a sliding window and fires at most one alert
// per cooldown period per key; actually delivering the alert (mail, chat) is
// the Notifier's problem.
package alert

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// Failure kinds observed by the monitor.
const (
	KindValidationFailed = "validation_failed"
	KindForwardFailed    = "forward_failed"
	KindForwardExhausted = "forward_exhausted"
	KindNotifyFailed     = "notify_failed"
)

// FailureEvent is one observed failure. TenantID may be empty for global
// counters.
type FailureEvent struct {
	TenantID   string
	Kind       string
	Detail     string
	OccurredAt time.Time
}

// Alert is emitted when a window crosses the threshold.
type Alert struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	Kind      string    `json:"kind"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Window    string    `json:"window"`
	Detail    string    `json:"detail,omitempty"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Window stores failure timestamps per key and counts them within a span.
type Window interface {
	Add(ctx context.Context, key string, ts time.Time) error
	Count(ctx context.Context, key string, since time.Time) (int, error)
}

// Cooldown deduplicates alerts: TryAcquire wins once per key per ttl.
type Cooldown interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Notifier receives the alerts the monitor decides to raise.
type Notifier interface {
	Alert(ctx context.Context, a Alert) error
}

// Config carries the externally configured thresholds.
type Config struct {
	WindowSize  time.Duration
	Threshold   int
	CooldownTTL time.Duration
}

// Monitor aggregates failures and raises deduplicated alerts. Observing never
// blocks the pipeline: notifier errors are logged, not returned upstream.
type Monitor struct {
	cfg      Config
	window   Window
	cooldown Cooldown
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config, window Window, cooldown Cooldown, notifier Notifier, logger zerolog.Logger, now func() time.Time) (*Monitor, error) {
	if window == nil {
		return nil, fmt.Errorf("alert: window is required")
	}
	if cooldown == nil {
		return nil, fmt.Errorf("alert: cooldown is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("alert: notifier is required")
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("alert: window size must be positive")
	}
	if cfg.Threshold < 1 {
		return nil, fmt.Errorf("alert: threshold must be >= 1")
	}
	if cfg.CooldownTTL <= 0 {
		return nil, fmt.Errorf("alert: cooldown ttl must be positive")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:      cfg,
		window:   window,
		cooldown: cooldown,
		notifier: notifier,
		logger:   logger.With().Str("component", "failure_monitor").Logger(),
		now:      now,
	}, nil
}

// Observe appends the event to its window and raises an alert when the count
// within the window has reached the threshold and no alert for the same key
// fired within the cooldown.
func (m *Monitor) Observe(ctx context.Context, ev FailureEvent) error {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = m.now()
	}
	key := windowKey(ev.TenantID, ev.Kind)

	if err := m.window.Add(ctx, key, ts); err != nil {
		return fmt.Errorf("alert: record failure: %w", err)
	}

	count, err := m.window.Count(ctx, key, ts.Add(-m.cfg.WindowSize))
	if err != nil {
		return fmt.Errorf("alert: count window: %w", err)
	}
	if count < m.cfg.Threshold {
		return nil
	}

	won, err := m.cooldown.TryAcquire(ctx, key, m.cfg.CooldownTTL)
	if err != nil {
		return fmt.Errorf("alert: cooldown: %w", err)
	}
	if !won {
		// same breach already announced within the cooldown
		return nil
	}

	a := Alert{
		TenantID:  ev.TenantID,
		Kind:      ev.Kind,
		Count:     count,
		Threshold: m.cfg.Threshold,
		Window:    m.cfg.WindowSize.String(),
		Detail:    ev.Detail,
		RaisedAt:  m.now(),
	}
	if err := m.notifier.Alert(ctx, a); err != nil {
		m.logger.Error().Err(err).Str("kind", ev.Kind).Msg("alert dispatch failed")
		return nil
	}
	m.logger.Warn().
		Str("kind", ev.Kind).
		Str("tenant_id", ev.TenantID).
		Int("count", count).
		Msg("failure threshold alert raised")
	return nil
}

func windowKey(tenantID, kind string) string {
	if tenantID == "" {
		return fmt.Sprintf("failures:global:%s", kind)
	}
	return fmt.Sprintf("failures:%s:%s", tenantID, kind)
}
