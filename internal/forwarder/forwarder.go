package forwarder

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/alert"
	"github.com/example/pos-relay/internal/backoff"
	"github.com/example/pos-relay/internal/breaker"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/repository"
)

// Deliverer posts one tenant batch downstream.
type Deliverer interface {
	Forward(ctx context.Context, tenantID string, txns []*models.Transaction) (string, error)
}

// StatusPublisher emits lifecycle events for forward attempts.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.PipelineEvent) error
}

// DLQPublisher records terminally failed deliveries.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DeadLetter) error
}

// Deps collects the collaborators the forwarder needs.
type Deps struct {
	Client       Deliverer
	Transactions repository.TransactionRepository
	Forwards     repository.ForwardAttemptRepository
	Submissions  repository.SubmissionRepository
	Breakers     *breaker.Registry
	Status       StatusPublisher
	DLQ          DLQPublisher
	Monitor      *alert.Monitor
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Forwarder resolves one claimed forward attempt at a time. An attempt is
// consumed only when a real delivery was tried: a short-circuited attempt is
// released back to PENDING with the counter untouched.
type Forwarder struct {
	client       Deliverer
	transactions repository.TransactionRepository
	forwards     repository.ForwardAttemptRepository
	submissions  repository.SubmissionRepository
	breakers     *breaker.Registry
	status       StatusPublisher
	dlq          DLQPublisher
	monitor      *alert.Monitor
	service      string
	policy       backoff.Policy
	logger       zerolog.Logger
	now          func() time.Time
}

// New constructs a Forwarder.
func New(deps Deps, service string, policy backoff.Policy) (*Forwarder, error) {
	if deps.Client == nil {
		return nil, errors.New("forwarder: client dependency is required")
	}
	if deps.Transactions == nil || deps.Forwards == nil || deps.Submissions == nil {
		return nil, errors.New("forwarder: repository dependencies are required")
	}
	if deps.Breakers == nil {
		return nil, errors.New("forwarder: breaker registry dependency is required")
	}
	if deps.Status == nil {
		return nil, errors.New("forwarder: status publisher dependency is required")
	}
	if service == "" {
		return nil, errors.New("forwarder: service name is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Forwarder{
		client:       deps.Client,
		transactions: deps.Transactions,
		forwards:     deps.Forwards,
		submissions:  deps.Submissions,
		breakers:     deps.Breakers,
		status:       deps.Status,
		dlq:          deps.DLQ,
		monitor:      deps.Monitor,
		service:      service,
		policy:       policy,
		logger:       logger.With().Str("component", "forwarder").Logger(),
		now:          nowFunc,
	}, nil
}

// Process resolves one claimed (IN_PROGRESS) forward attempt.
func (f *Forwarder) Process(ctx context.Context, fa *models.ForwardAttempt) error {
	if fa == nil {
		return errors.New("forwarder: attempt is required")
	}

	logger := f.logger.With().
		Int64("forward_id", fa.ID).
		Int64("transaction_id", fa.TransactionID).
		Str("tenant_id", fa.TenantID).
		Logger()

	txn, err := f.transactions.GetByID(ctx, fa.TransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		// orphaned attempt, terminate it
		logger.Error().Msg("forward attempt references missing transaction")
		return f.failTerminally(ctx, fa, nil, fa.Attempts, "transaction not found", models.FailureTypePermanent)
	}
	if err != nil {
		f.release(ctx, fa, logger)
		return fmt.Errorf("forwarder: load transaction: %w", err)
	}

	br, err := f.breakers.For(fa.TenantID, f.service)
	if err != nil {
		f.release(ctx, fa, logger)
		return fmt.Errorf("forwarder: resolve breaker: %w", err)
	}

	allowed, err := br.Allow(ctx)
	if err != nil {
		f.release(ctx, fa, logger)
		return fmt.Errorf("forwarder: consult breaker: %w", err)
	}
	if !allowed {
		// open circuit: release without consuming the attempt budget
		logger.Info().Msg("delivery short-circuited by open breaker")
		f.publishEvent(ctx, txn, models.PipelineEvent{
			EventType: models.EventForwardAttempt,
			Attempt:   fa.Attempts,
			Error:     pipeline.ErrDownstreamUnavailable.Error(),
			ErrorKind: pipeline.Kind(pipeline.ErrDownstreamUnavailable),
		})
		f.release(ctx, fa, logger)
		return nil
	}

	attempt := fa.Attempts + 1
	f.publishEvent(ctx, txn, models.PipelineEvent{
		EventType: models.EventForwardAttempt,
		Attempt:   attempt,
	})

	response, deliverErr := f.client.Forward(ctx, fa.TenantID, []*models.Transaction{txn})

	if deliverErr == nil {
		if err := br.RecordSuccess(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to record breaker success")
		}
		if err := f.forwards.Complete(ctx, fa.ID, response, f.now()); err != nil {
			return fmt.Errorf("forwarder: complete attempt: %w", err)
		}
		f.publishEvent(ctx, txn, models.PipelineEvent{
			EventType: models.EventForwarded,
			Attempt:   attempt,
		})
		if _, err := f.submissions.MarkCompletedIfDelivered(ctx, txn.SubmissionID); err != nil {
			logger.Error().Err(err).Msg("failed to check submission completion")
		}
		logger.Info().Int("attempt", attempt).Msg("transaction forwarded")
		return nil
	}

	if errors.Is(deliverErr, context.Canceled) {
		// the exchange never completed; surrender an admitted probe so the
		// breaker is not stuck waiting for an outcome that will never come
		if err := br.ReleaseProbe(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Msg("failed to release breaker probe")
		}
		f.release(ctx, fa, logger)
		return deliverErr
	}

	logger.Warn().Err(deliverErr).Int("attempt", attempt).Msg("delivery failed")

	// every completed non-2xx exchange feeds the breaker, permanent
	// rejections included, so a HALF_OPEN probe always reports its outcome
	if err := br.RecordFailure(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to record breaker failure")
	}

	if errors.Is(deliverErr, pipeline.ErrPermanentDelivery) {
		return f.failTerminally(ctx, fa, txn, attempt, deliverErr.Error(), models.FailureTypePermanent)
	}

	f.observe(ctx, fa.TenantID, alert.KindForwardFailed, deliverErr.Error())

	if attempt >= fa.MaxAttempts {
		f.observe(ctx, fa.TenantID, alert.KindForwardExhausted, deliverErr.Error())
		return f.failTerminally(ctx, fa, txn, attempt, deliverErr.Error(), models.FailureTypeTransient)
	}

	nextRetry := f.policy.NextRetryAt(f.now(), attempt)
	if err := f.forwards.Reschedule(ctx, fa.ID, attempt, nextRetry, deliverErr.Error()); err != nil {
		return fmt.Errorf("forwarder: reschedule attempt: %w", err)
	}
	f.publishEvent(ctx, txn, models.PipelineEvent{
		EventType: models.EventForwardFailed,
		Attempt:   attempt,
		Error:     deliverErr.Error(),
		ErrorKind: pipeline.Kind(deliverErr),
	})
	return nil
}

func (f *Forwarder) release(ctx context.Context, fa *models.ForwardAttempt, logger zerolog.Logger) {
	if err := f.forwards.Release(ctx, fa.ID); err != nil {
		logger.Error().Err(err).Msg("failed to release forward attempt")
	}
}

func (f *Forwarder) failTerminally(ctx context.Context, fa *models.ForwardAttempt, txn *models.Transaction, attempts int, lastError, failureType string) error {
	now := f.now()
	if err := f.forwards.Fail(ctx, fa.ID, attempts, lastError, now); err != nil {
		return fmt.Errorf("forwarder: fail attempt: %w", err)
	}

	if txn != nil {
		f.publishEvent(ctx, txn, models.PipelineEvent{
			EventType: models.EventForwardFailed,
			Attempt:   attempts,
			Error:     lastError,
			ErrorKind: pipeline.Kind(pipeline.ErrPermanentDelivery),
		})
	}

	if f.dlq != nil {
		transactionID := strconv.FormatInt(fa.TransactionID, 10)
		if txn != nil {
			transactionID = txn.TransactionID
		}
		dl := models.DeadLetter{
			JobKind:       "forward",
			JobID:         strconv.FormatInt(fa.ID, 10),
			TenantID:      fa.TenantID,
			TransactionID: transactionID,
			Attempts:      attempts,
			FailureType:   failureType,
			LastError:     lastError,
			FirstFailedAt: fa.CreatedAt,
			LastAttemptAt: now,
		}
		if err := f.dlq.PublishDLQ(ctx, dl); err != nil {
			f.logger.Error().Int64("forward_id", fa.ID).Err(err).Msg("failed to publish dead letter")
		}
	}

	if failureType == models.FailureTypePermanent {
		f.observe(ctx, fa.TenantID, alert.KindForwardFailed, lastError)
	}
	return nil
}

func (f *Forwarder) observe(ctx context.Context, tenantID, kind, detail string) {
	if f.monitor == nil {
		return
	}
	ev := alert.FailureEvent{
		TenantID:   tenantID,
		Kind:       kind,
		Detail:     detail,
		OccurredAt: f.now(),
	}
	if err := f.monitor.Observe(ctx, ev); err != nil {
		f.logger.Error().Err(err).Msg("failed to record delivery failure")
	}
}

func (f *Forwarder) publishEvent(ctx context.Context, txn *models.Transaction, event models.PipelineEvent) {
	event.TenantID = txn.TenantID
	event.TerminalID = txn.TerminalID
	event.TransactionID = txn.TransactionID
	if event.Timestamp.IsZero() {
		event.Timestamp = f.now()
	}
	if err := f.status.PublishStatus(ctx, event); err != nil {
		f.logger.Error().
			Str("event", event.EventType).
			Err(err).
			Msg("failed to publish forward event")
	}
}
