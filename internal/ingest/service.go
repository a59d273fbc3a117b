package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/idempotency"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/repository"
)

// JobEnqueuer publishes validation jobs for newly admitted transactions.
type JobEnqueuer interface {
	PublishValidationJob(ctx context.Context, job models.ValidationJob) error
}

// StatusPublisher emits submission lifecycle events.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.PipelineEvent) error
}

// Outcome is the admission result surfaced to the HTTP layer.
type Outcome struct {
	Result     idempotency.Result
	Submission *models.Submission
}

// ServiceDeps collects the collaborators the ingest service needs.
type ServiceDeps struct {
	Guard        *idempotency.Guard
	Transactions repository.TransactionRepository
	Jobs         JobEnqueuer
	Status       StatusPublisher
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Service drives one submission through checksum verification, idempotent
// admission, persistence and validation job publication.
type Service struct {
	guard        *idempotency.Guard
	transactions repository.TransactionRepository
	jobs         JobEnqueuer
	status       StatusPublisher
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService constructs the ingest service.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Guard == nil {
		return nil, errors.New("ingest: idempotency guard dependency is required")
	}
	if deps.Transactions == nil {
		return nil, errors.New("ingest: transaction repository dependency is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("ingest: job publisher dependency is required")
	}
	if deps.Status == nil {
		return nil, errors.New("ingest: status publisher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Service{
		guard:        deps.Guard,
		transactions: deps.Transactions,
		jobs:         deps.Jobs,
		status:       deps.Status,
		logger:       logger.With().Str("component", "ingest_service").Logger(),
		now:          nowFunc,
	}, nil
}

// Submit processes one raw submission payload end to end.
func (s *Service) Submit(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, err := ParseEnvelope(raw)
	if err != nil {
		return Outcome{}, err
	}

	result, sub, err := s.guard.Admit(ctx, idempotency.Request{
		TenantID:            parsed.TenantID,
		TerminalID:          parsed.TerminalID,
		SubmissionUUID:      parsed.SubmissionUUID,
		SubmissionTimestamp: parsed.SubmissionTimestamp,
		Checksum:            parsed.Checksum,
		DeclaredCount:       parsed.TransactionCount,
		CallbackURL:         parsed.CallbackURL,
	})
	if err != nil {
		return Outcome{}, err
	}

	switch result {
	case idempotency.ResultNew:
		if err := s.admitNew(ctx, parsed, sub); err != nil {
			return Outcome{}, err
		}
	case idempotency.ResultDuplicateOK:
		// a RECEIVED submission may have crashed between the submission row
		// and its transactions or jobs; finish that work before acknowledging
		if sub.Status == models.SubmissionReceived {
			if err := s.reconcileReceived(ctx, parsed, sub); err != nil {
				return Outcome{}, err
			}
		}
		s.publishEvent(ctx, parsed, models.EventDuplicate, "")
	case idempotency.ResultConflict:
		s.publishEvent(ctx, parsed, models.EventConflict, "idempotency key replayed with different content")
		return Outcome{Result: result, Submission: sub},
			fmt.Errorf("%w: submission %s already exists with different content", pipeline.ErrConflictingReplay, parsed.SubmissionUUID)
	}

	return Outcome{Result: result, Submission: sub}, nil
}

func (s *Service) admitNew(ctx context.Context, parsed *ParsedSubmission, sub *models.Submission) error {
	for _, txn := range parsed.Transactions {
		txn.SubmissionID = sub.ID
	}

	if err := s.transactions.InsertBatch(ctx, parsed.Transactions); err != nil {
		return fmt.Errorf("ingest: persist transactions: %w", err)
	}

	if err := s.publishJobs(ctx, parsed, parsed.Transactions); err != nil {
		return err
	}

	s.publishEvent(ctx, parsed, models.EventReceived, "")
	s.logger.Info().
		Str("terminal_id", parsed.TerminalID).
		Str("submission_uuid", parsed.SubmissionUUID).
		Int("transactions", len(parsed.Transactions)).
		Msg("submission admitted")
	return nil
}

// reconcileReceived re-drives an identical replay whose first admission never
// got past the submission row. The validation worker skips non-PENDING
// transactions and forward enqueue is idempotent, so republishing jobs for
// rows that were already processed is harmless.
func (s *Service) reconcileReceived(ctx context.Context, parsed *ParsedSubmission, sub *models.Submission) error {
	stored, err := s.transactions.ListBySubmission(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("ingest: list transactions for submission %d: %w", sub.ID, err)
	}

	if len(stored) == 0 {
		for _, txn := range parsed.Transactions {
			txn.SubmissionID = sub.ID
		}
		if err := s.transactions.InsertBatch(ctx, parsed.Transactions); err != nil {
			return fmt.Errorf("ingest: persist transactions: %w", err)
		}
		stored = parsed.Transactions
		s.logger.Warn().
			Str("terminal_id", parsed.TerminalID).
			Str("submission_uuid", parsed.SubmissionUUID).
			Int("transactions", len(stored)).
			Msg("replay recovered submission with no persisted transactions")
	}

	return s.publishJobs(ctx, parsed, stored)
}

func (s *Service) publishJobs(ctx context.Context, parsed *ParsedSubmission, txns []*models.Transaction) error {
	now := s.now()
	for _, txn := range txns {
		job := models.ValidationJob{
			JobID:          uuid.NewString(),
			TenantID:       parsed.TenantID,
			TerminalID:     parsed.TerminalID,
			SubmissionUUID: parsed.SubmissionUUID,
			TransactionID:  txn.ID,
			EnqueuedAt:     now,
		}
		if err := s.jobs.PublishValidationJob(ctx, job); err != nil {
			return fmt.Errorf("ingest: enqueue validation job for transaction %d: %w", txn.ID, err)
		}
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, parsed *ParsedSubmission, eventType, detail string) {
	event := models.PipelineEvent{
		EventType:      eventType,
		TenantID:       parsed.TenantID,
		TerminalID:     parsed.TerminalID,
		SubmissionUUID: parsed.SubmissionUUID,
		Error:          detail,
		Timestamp:      s.now(),
	}
	if err := s.status.PublishStatus(ctx, event); err != nil {
		s.logger.Error().
			Str("event", eventType).
			Err(err).
			Msg("failed to publish submission event")
	}
}
