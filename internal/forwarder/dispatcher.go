package forwarder

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/repository"
)

// Dispatcher polls the forward_attempts table for due work and fans claimed
// attempts out to the forwarder. Claiming flips rows to IN_PROGRESS under
// row locks, so multiple dispatcher replicas never deliver the same
// transaction concurrently.
type Dispatcher struct {
	forwards  repository.ForwardAttemptRepository
	forwarder *Forwarder

	batchSize    int
	pollInterval time.Duration
	semaphore    *semaphore.Weighted

	logger zerolog.Logger
	now    func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(forwards repository.ForwardAttemptRepository, fw *Forwarder, batchSize, concurrency int, pollInterval time.Duration, logger zerolog.Logger, now func() time.Time) (*Dispatcher, error) {
	if forwards == nil {
		return nil, errors.New("forwarder: forwards repository is required")
	}
	if fw == nil {
		return nil, errors.New("forwarder: forwarder is required")
	}
	if batchSize < 1 {
		return nil, errors.New("forwarder: batch size must be >= 1")
	}
	if concurrency < 1 {
		return nil, errors.New("forwarder: concurrency must be >= 1")
	}
	if pollInterval <= 0 {
		return nil, errors.New("forwarder: poll interval must be positive")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if now == nil {
		now = time.Now
	}

	return &Dispatcher{
		forwards:     forwards,
		forwarder:    fw,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		semaphore:    semaphore.NewWeighted(int64(concurrency)),
		logger:       logger.With().Str("component", "forward_dispatcher").Logger(),
		now:          now,
	}, nil
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Info().
		Dur("poll_interval", d.pollInterval).
		Int("batch_size", d.batchSize).
		Msg("forward dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error().Err(err).Msg("dispatch cycle failed")
			}
		}
	}
}

// DispatchOnce claims one batch of due attempts and processes them.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	claimed, err := d.forwards.ClaimDue(ctx, d.now(), d.batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	d.logger.Debug().Int("claimed", len(claimed)).Msg("claimed due forward attempts")

	for _, fa := range claimed {
		if err := d.semaphore.Acquire(ctx, 1); err != nil {
			// shutting down: surrender the rest of the batch
			d.releaseRemaining(fa, claimed)
			return err
		}
		go func(fa *models.ForwardAttempt) {
			defer d.semaphore.Release(1)
			if err := d.forwarder.Process(ctx, fa); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error().
					Int64("forward_id", fa.ID).
					Err(err).
					Msg("forward attempt failed to resolve")
			}
		}(fa)
	}
	return nil
}

func (d *Dispatcher) releaseRemaining(from *models.ForwardAttempt, claimed []*models.ForwardAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := false
	for _, fa := range claimed {
		if fa == from {
			started = true
		}
		if !started {
			continue
		}
		if err := d.forwards.Release(ctx, fa.ID); err != nil {
			d.logger.Error().Int64("forward_id", fa.ID).Err(err).Msg("failed to release unprocessed attempt")
		}
	}
}
