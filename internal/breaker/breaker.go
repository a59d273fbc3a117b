// Package breaker implements the per (tenant, service) circuit breaker that
// protects the downstream web application. The state machine lives in Go and
// every transition is applied through a compare-and-swap store, so concurrent
// workers on different hosts cannot both win the same transition (in
// particular, two workers can never both flip OPEN to HALF_OPEN and both
// send a probe).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// casRetries bounds the optimistic retry loop when another worker wins a
// transition first.
const casRetries = 5

// ErrContended is returned when every CAS attempt lost to another worker.
// Callers treat it as "not allowed right now".
var ErrContended = errors.New("breaker: transition contended")

// Record is the persisted breaker state. Version increments on every write
// and drives the store's compare-and-swap.
type Record struct {
	State          string    `json:"state"`
	Failures       int       `json:"consecutive_failure_count"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	ProbeInFlight  bool      `json:"probe_in_flight"`
	ProbeStartedAt time.Time `json:"probe_started_at,omitempty"`
	Version        int64     `json:"version"`
}

// Store persists breaker records keyed by breaker key. Get returns the zero
// Record (Version 0) for unknown keys. CompareAndSwap writes rec only when
// the stored version still equals expectedVersion and reports whether the
// write won.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, rec Record) (bool, error)
}

// Config carries the externally configured thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Breaker guards calls to one (tenant, service) pair.
type Breaker struct {
	store  Store
	key    string
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// Key builds the canonical breaker key for a tenant and service.
func Key(tenantID, service string) string {
	return fmt.Sprintf("breaker:%s:%s", tenantID, service)
}

// New constructs a Breaker for the supplied key.
func New(store Store, key string, cfg Config, logger zerolog.Logger, now func() time.Time) (*Breaker, error) {
	if store == nil {
		return nil, errors.New("breaker: store is required")
	}
	if key == "" {
		return nil, errors.New("breaker: key is required")
	}
	if cfg.FailureThreshold < 1 {
		return nil, errors.New("breaker: failure threshold must be >= 1")
	}
	if cfg.ResetTimeout <= 0 {
		return nil, errors.New("breaker: reset timeout must be positive")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		store:  store,
		key:    key,
		cfg:    cfg,
		logger: logger.With().Str("breaker", key).Logger(),
		now:    now,
	}, nil
}

// Allow reports whether a call may proceed. CLOSED always allows. OPEN
// rejects until the cooldown has elapsed; the first caller after expiry wins
// a CAS to HALF_OPEN and is the single probe allowed through. While a probe
// is in flight every other caller is rejected, until the probe either
// reports an outcome or its reset-timeout lease expires; an expired probe is
// treated as abandoned and its slot is handed to the next caller, so a
// crashed worker cannot wedge the key.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	for i := 0; i < casRetries; i++ {
		rec, err := b.store.Get(ctx, b.key)
		if err != nil {
			return false, err
		}

		switch rec.State {
		case "", StateClosed:
			return true, nil

		case StateOpen:
			if b.now().Before(rec.CooldownUntil) {
				return false, nil
			}
			next := rec
			next.State = StateHalfOpen
			next.ProbeInFlight = true
			next.ProbeStartedAt = b.now()
			ok, err := b.swap(ctx, rec, next)
			if err != nil {
				return false, err
			}
			if ok {
				b.logger.Info().Msg("breaker half-open, probe admitted")
				return true, nil
			}
			// another worker won the flip; retry the read

		case StateHalfOpen:
			if rec.ProbeInFlight && b.now().Before(rec.ProbeStartedAt.Add(b.cfg.ResetTimeout)) {
				return false, nil
			}
			next := rec
			next.ProbeInFlight = true
			next.ProbeStartedAt = b.now()
			ok, err := b.swap(ctx, rec, next)
			if err != nil {
				return false, err
			}
			if ok {
				if rec.ProbeInFlight {
					b.logger.Warn().Msg("breaker probe lease expired, admitting replacement probe")
				}
				return true, nil
			}

		default:
			return false, fmt.Errorf("breaker: unknown state %q", rec.State)
		}
	}
	return false, nil
}

// RecordSuccess registers a successful call. From HALF_OPEN a single success
// closes the breaker and clears the failure count; from CLOSED it resets the
// consecutive failure counter.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	return b.transition(ctx, func(rec Record) (Record, bool) {
		switch rec.State {
		case "", StateClosed:
			if rec.Failures == 0 {
				return rec, false
			}
			rec.Failures = 0
			return rec, true
		case StateHalfOpen:
			rec.State = StateClosed
			rec.Failures = 0
			rec.ProbeInFlight = false
			rec.ProbeStartedAt = time.Time{}
			rec.CooldownUntil = time.Time{}
			b.logger.Info().Msg("breaker closed after successful probe")
			return rec, true
		default:
			// success reported against an OPEN breaker: a late response from
			// before the trip; the failure count stays authoritative
			return rec, false
		}
	})
}

// RecordFailure registers a failed call. From CLOSED the consecutive failure
// count increments and trips the breaker at the threshold; from HALF_OPEN the
// failed probe re-opens the breaker with a fresh cooldown.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	return b.transition(ctx, func(rec Record) (Record, bool) {
		switch rec.State {
		case "", StateClosed:
			rec.Failures++
			if rec.Failures >= b.cfg.FailureThreshold {
				rec.State = StateOpen
				rec.CooldownUntil = b.now().Add(b.cfg.ResetTimeout)
				b.logger.Warn().
					Int("failures", rec.Failures).
					Time("cooldown_until", rec.CooldownUntil).
					Msg("breaker opened")
			}
			return rec, true
		case StateHalfOpen:
			rec.State = StateOpen
			rec.Failures++
			rec.ProbeInFlight = false
			rec.ProbeStartedAt = time.Time{}
			rec.CooldownUntil = b.now().Add(b.cfg.ResetTimeout)
			b.logger.Warn().Msg("breaker re-opened after failed probe")
			return rec, true
		default:
			return rec, false
		}
	})
}

// ReleaseProbe surrenders an admitted probe slot without reporting an
// outcome, for callers whose exchange never completed (shutdown mid-probe).
// A no-op in every state except HALF_OPEN with a probe in flight.
func (b *Breaker) ReleaseProbe(ctx context.Context) error {
	return b.transition(ctx, func(rec Record) (Record, bool) {
		if rec.State != StateHalfOpen || !rec.ProbeInFlight {
			return rec, false
		}
		rec.ProbeInFlight = false
		rec.ProbeStartedAt = time.Time{}
		return rec, true
	})
}

// State returns the current state for observability.
func (b *Breaker) State(ctx context.Context) (Record, error) {
	rec, err := b.store.Get(ctx, b.key)
	if err != nil {
		return Record{}, err
	}
	if rec.State == "" {
		rec.State = StateClosed
	}
	return rec, nil
}

func (b *Breaker) transition(ctx context.Context, apply func(Record) (Record, bool)) error {
	for i := 0; i < casRetries; i++ {
		rec, err := b.store.Get(ctx, b.key)
		if err != nil {
			return err
		}
		next, changed := apply(rec)
		if !changed {
			return nil
		}
		ok, err := b.swap(ctx, rec, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrContended
}

func (b *Breaker) swap(ctx context.Context, cur, next Record) (bool, error) {
	next.Version = cur.Version + 1
	return b.store.CompareAndSwap(ctx, b.key, cur.Version, next)
}
