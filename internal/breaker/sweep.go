package breaker

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// KeyLister is implemented by stores that can enumerate breaker keys.
type KeyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

// Sweeper proactively flips stale OPEN breakers to HALF_OPEN once their
// cooldown has elapsed. The lazy check in Allow already guarantees
// correctness; the sweep only shortens the time a breaker sits OPEN with no
// traffic. Flips go through the same CAS as every other transition, so a
// sweep racing a caller is harmless.
type Sweeper struct {
	store  Store
	lister KeyLister
	logger zerolog.Logger
	now    func() time.Time
}

// NewSweeper constructs a Sweeper over a store that can list keys.
func NewSweeper(store Store, lister KeyLister, logger zerolog.Logger, now func() time.Time) *Sweeper {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, lister: lister, logger: logger, now: now}
}

// SweepOnce flips every stale OPEN breaker and returns how many were flipped.
// The flipped breakers carry no probe, so the next Allow admits exactly one.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	keys, err := s.lister.Keys(ctx)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, key := range keys {
		rec, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("sweep: read failed")
			continue
		}
		if rec.State != StateOpen || s.now().Before(rec.CooldownUntil) {
			continue
		}

		next := rec
		next.State = StateHalfOpen
		next.ProbeInFlight = false
		next.Version = rec.Version + 1
		ok, err := s.store.CompareAndSwap(ctx, key, rec.Version, next)
		if err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("sweep: cas failed")
			continue
		}
		if ok {
			flipped++
			s.logger.Info().Str("key", key).Msg("sweep: breaker flipped to half-open")
		}
	}
	return flipped, nil
}

// Run sweeps on the supplied interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep: pass failed")
			}
		}
	}
}
