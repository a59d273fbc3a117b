package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/alert"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/repository"
	"github.com/example/pos-relay/internal/worker"
)

// StatusPublisher emits lifecycle events for validated transactions.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.PipelineEvent) error
}

// NotifyEnqueuer hands validation results to the notify queue.
type NotifyEnqueuer interface {
	PublishNotifyJob(ctx context.Context, job models.NotifyJob) error
}

// ProcessorDeps collects the collaborators the validation processor needs.
type ProcessorDeps struct {
	Rules        *Validator
	Submissions  repository.SubmissionRepository
	Transactions repository.TransactionRepository
	Jobs         repository.ProcessingJobRepository
	Forwards     repository.ForwardAttemptRepository
	Status       StatusPublisher
	Notify       NotifyEnqueuer
	Monitor      *alert.Monitor
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Processor runs the rule engine over one stored transaction per job. It
// records a processing_jobs row per attempt, persists the verdict, enqueues
// forwarding for VALID transactions and hands the result to the notify queue.
type Processor struct {
	rules              *Validator
	submissions        repository.SubmissionRepository
	transactions       repository.TransactionRepository
	jobs               repository.ProcessingJobRepository
	forwards           repository.ForwardAttemptRepository
	status             StatusPublisher
	notify             NotifyEnqueuer
	monitor            *alert.Monitor
	forwardMaxAttempts int
	logger             zerolog.Logger
	now                func() time.Time
}

// NewProcessor constructs the validation processor.
func NewProcessor(deps ProcessorDeps, forwardMaxAttempts int) (*Processor, error) {
	if deps.Rules == nil {
		return nil, errors.New("validator: rules dependency is required")
	}
	if deps.Submissions == nil || deps.Transactions == nil || deps.Jobs == nil || deps.Forwards == nil {
		return nil, errors.New("validator: repository dependencies are required")
	}
	if deps.Status == nil {
		return nil, errors.New("validator: status publisher dependency is required")
	}
	if forwardMaxAttempts < 1 {
		return nil, errors.New("validator: forward max attempts must be >= 1")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Processor{
		rules:              deps.Rules,
		submissions:        deps.Submissions,
		transactions:       deps.Transactions,
		jobs:               deps.Jobs,
		forwards:           deps.Forwards,
		status:             deps.Status,
		notify:             deps.Notify,
		monitor:            deps.Monitor,
		forwardMaxAttempts: forwardMaxAttempts,
		logger:             logger.With().Str("component", "validation_processor").Logger(),
		now:                nowFunc,
	}, nil
}

// Decode parses and sanity-checks a validation job payload.
func (p *Processor) Decode(payload []byte) (worker.JobMeta, error) {
	var job models.ValidationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return worker.JobMeta{}, pipeline.WrapMalformed(fmt.Errorf("validation job is not valid JSON: %v", err))
	}

	meta := worker.JobMeta{
		JobID:          job.JobID,
		TenantID:       job.TenantID,
		TerminalID:     job.TerminalID,
		SubmissionUUID: job.SubmissionUUID,
		TransactionID:  strconv.FormatInt(job.TransactionID, 10),
		FailureEvent:   models.EventValidationFailed,
	}

	if job.JobID == "" {
		return meta, pipeline.WrapMalformed(errors.New("validation job missing job_id"))
	}
	if job.TransactionID <= 0 {
		return meta, pipeline.WrapMalformed(errors.New("validation job missing transaction_id"))
	}
	return meta, nil
}

// Process executes one validation job attempt.
func (p *Processor) Process(ctx context.Context, meta worker.JobMeta, payload []byte, attempt int) error {
	var job models.ValidationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.WrapMalformed(fmt.Errorf("validation job is not valid JSON: %v", err))
	}

	now := p.now()

	txn, err := p.transactions.GetByID(ctx, job.TransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return pipeline.WrapPermanent(fmt.Errorf("transaction %d not found", job.TransactionID))
	}
	if err != nil {
		return pipeline.WrapTransient(fmt.Errorf("load transaction: %v", err))
	}

	// redelivered job for an already validated transaction: nothing to do
	if txn.ValidationStatus != models.ValidationPending {
		p.logger.Info().
			Str("job_id", job.JobID).
			Int64("transaction_id", txn.ID).
			Str("validation_status", txn.ValidationStatus).
			Msg("transaction already validated, skipping")
		return nil
	}

	jobID, err := p.jobs.Start(ctx, txn.ID, attempt)
	if err != nil {
		return pipeline.WrapTransient(fmt.Errorf("start processing job: %v", err))
	}

	if err := p.submissions.UpdateStatus(ctx, txn.SubmissionID, models.SubmissionReceived, models.SubmissionProcessing); err != nil {
		p.failJob(ctx, jobID, err)
		return pipeline.WrapTransient(fmt.Errorf("mark submission processing: %v", err))
	}

	verdict, err := p.rules.Validate(txn)
	if err != nil {
		p.failJob(ctx, jobID, err)
		return err
	}

	status := models.ValidationInvalid
	if verdict.Valid {
		status = models.ValidationValid
	}

	if err := p.transactions.SetValidation(ctx, txn.ID, status, verdict.DiagnosticsJSON(), now); err != nil {
		p.failJob(ctx, jobID, err)
		return pipeline.WrapTransient(fmt.Errorf("persist validation verdict: %v", err))
	}

	if verdict.Valid {
		fa := &models.ForwardAttempt{
			TransactionID: txn.ID,
			TenantID:      txn.TenantID,
			Status:        models.ForwardPending,
			MaxAttempts:   p.forwardMaxAttempts,
			NextRetryAt:   now,
		}
		if err := p.forwards.Enqueue(ctx, fa); err != nil {
			p.failJob(ctx, jobID, err)
			return pipeline.WrapTransient(fmt.Errorf("enqueue forward attempt: %v", err))
		}
	}

	p.publishVerdict(ctx, txn, verdict, now)

	if !verdict.Valid {
		p.observeFailure(ctx, txn, verdict, now)
	}

	if err := p.enqueueNotify(ctx, txn, verdict, now); err != nil {
		p.failJob(ctx, jobID, err)
		return pipeline.WrapTransient(fmt.Errorf("enqueue notify job: %v", err))
	}

	if err := p.jobs.Complete(ctx, jobID, p.now()); err != nil {
		return pipeline.WrapTransient(fmt.Errorf("complete processing job: %v", err))
	}

	p.logger.Info().
		Str("job_id", job.JobID).
		Int64("transaction_id", txn.ID).
		Str("validation_status", status).
		Msg("transaction validated")
	return nil
}

func (p *Processor) failJob(ctx context.Context, jobID int64, cause error) {
	if err := p.jobs.Fail(ctx, jobID, cause.Error(), p.now()); err != nil {
		p.logger.Error().Int64("processing_job_id", jobID).Err(err).Msg("failed to mark processing job failed")
	}
}

func (p *Processor) publishVerdict(ctx context.Context, txn *models.Transaction, verdict Verdict, now time.Time) {
	event := models.PipelineEvent{
		EventType:     models.EventValidated,
		TenantID:      txn.TenantID,
		TerminalID:    txn.TerminalID,
		TransactionID: txn.TransactionID,
		Timestamp:     now,
	}
	if !verdict.Valid {
		event.EventType = models.EventValidationFailed
		event.Error = strings.Join(verdict.FailedChecks(), ", ")
		event.ErrorKind = pipeline.Kind(pipeline.ErrValidationFailure)
	}
	if err := p.status.PublishStatus(ctx, event); err != nil {
		p.logger.Error().
			Str("event", event.EventType).
			Int64("transaction_id", txn.ID).
			Err(err).
			Msg("failed to publish validation event")
	}
}

func (p *Processor) observeFailure(ctx context.Context, txn *models.Transaction, verdict Verdict, now time.Time) {
	if p.monitor == nil {
		return
	}
	ev := alert.FailureEvent{
		TenantID:   txn.TenantID,
		Kind:       alert.KindValidationFailed,
		Detail:     strings.Join(verdict.FailedChecks(), ", "),
		OccurredAt: now,
	}
	if err := p.monitor.Observe(ctx, ev); err != nil {
		p.logger.Error().Err(err).Msg("failed to record validation failure")
	}
}

func (p *Processor) enqueueNotify(ctx context.Context, txn *models.Transaction, verdict Verdict, now time.Time) error {
	if p.notify == nil {
		return nil
	}

	sub, err := p.submissions.GetByID(ctx, txn.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission %d: %w", txn.SubmissionID, err)
	}
	if sub.CallbackURL == "" {
		return nil
	}

	result := models.ValidationInvalid
	if verdict.Valid {
		result = models.ValidationValid
	}

	job := models.NotifyJob{
		JobID:          uuid.NewString(),
		TenantID:       txn.TenantID,
		SubmissionUUID: sub.SubmissionUUID,
		TransactionID:  txn.TransactionID,
		CallbackURL:    sub.CallbackURL,
		Result:         result,
		Errors:         verdict.FailedChecks(),
		EnqueuedAt:     now,
	}
	return p.notify.PublishNotifyJob(ctx, job)
}
