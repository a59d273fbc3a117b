// Package worker contains the queue job engine shared by the validation and
// notify workers. The engine owns retry scheduling, dead-letter handling and
// offset commits; processors own the job semantics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/pos-relay/internal/backoff"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
)

// Config contains the runtime settings the engine relies on to orchestrate
// processing, retries and dead-letter handling for one job kind.
type Config struct {
	JobKind     string
	MsgMaxBytes int
	MaxAttempts int
	Backoff     backoff.Policy
	Concurrency int
}

// Record represents a queue message delivered to the engine. It is a minimal
// abstraction that keeps the engine decoupled from the concrete consumer
// implementation while still exposing the data the engine requires.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	commit func(context.Context) error
}

// Clone returns a deep copy of the record so it can be safely shared with
// asynchronous goroutines without risking data races.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	if len(r.Headers) > 0 {
		clone.Headers = cloneHeaders(r.Headers)
	}

	return &clone
}

func (r *Record) setCommitFn(fn func(context.Context) error) {
	r.commit = fn
}

// JobMeta identifies a decoded job for logging, status events and dead
// letters. FailureEvent names the lifecycle event the engine emits when the
// job fails terminally.
type JobMeta struct {
	JobID          string
	TenantID       string
	TerminalID     string
	SubmissionUUID string
	TransactionID  string
	FailureEvent   string
}

// Processor implements the semantics of one job kind. Decode parses and
// validates the raw payload; Process executes the job for the given attempt
// number (1-indexed). Process errors are classified through the pipeline
// error taxonomy: transient errors are retried with backoff, everything else
// dead-letters immediately.
type Processor interface {
	Decode(payload []byte) (JobMeta, error)
	Process(ctx context.Context, meta JobMeta, payload []byte, attempt int) error
}

// StatusPublisher publishes lifecycle updates for a job.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.PipelineEvent) error
}

// DLQPublisher writes terminally failed jobs to the dead-letter topic.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DeadLetter) error
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Processor       Processor
	StatusPublisher StatusPublisher
	DLQPublisher    DLQPublisher
	Logger          zerolog.Logger
	Now             func() time.Time
}

// Engine orchestrates decode, retries, backoff, dead-letter handling and
// offset commits for inbound queue records.
type Engine struct {
	cfg             Config
	processor       Processor
	statusPublisher StatusPublisher
	dlqPublisher    DLQPublisher
	logger          zerolog.Logger

	semaphore *semaphore.Weighted

	now func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewEngine constructs an engine using the supplied configuration and
// collaborators. The configuration and dependencies are validated to prevent
// misconfiguration at startup.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.JobKind == "" {
		return nil, errors.New("worker: job kind must be provided")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("worker: max attempts must be >= 1")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if deps.Processor == nil {
		return nil, errors.New("worker: processor dependency is required")
	}
	if deps.StatusPublisher == nil {
		return nil, errors.New("worker: status publisher dependency is required")
	}
	if deps.DLQPublisher == nil {
		return nil, errors.New("worker: DLQ publisher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().
		Str("component", "worker_engine").
		Str("job_kind", cfg.JobKind).
		Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	eng := &Engine{
		cfg:             cfg,
		processor:       deps.Processor,
		statusPublisher: deps.StatusPublisher,
		dlqPublisher:    deps.DLQPublisher,
		logger:          logger,
		semaphore:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:             nowFunc,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	return eng, nil
}

// HandleRecord performs upfront size and decode checks, then triggers
// asynchronous processing with retry handling. Records that fail decode are
// dead-lettered and committed so they never block the partition.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	if e.cfg.MsgMaxBytes > 0 && len(record.Value) > e.cfg.MsgMaxBytes {
		err := fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(record.Value), e.cfg.MsgMaxBytes)
		meta := JobMeta{JobID: string(record.Key)}
		e.logger.Warn().
			Str("job_id", meta.JobID).
			Err(err).
			Msg("worker: record discarded because it exceeds configured size limit")
		e.deadLetter(ctx, record, meta, models.FailureTypeValidation, 0, err, e.now())
		e.commitRecord(ctx, record)
		return
	}

	meta, err := e.processor.Decode(record.Value)
	if err != nil {
		if meta.JobID == "" {
			meta.JobID = string(record.Key)
		}
		e.logger.Warn().
			Str("job_id", meta.JobID).
			Err(err).
			Msg("worker: record failed decode")
		e.deadLetter(ctx, record, meta, models.FailureTypeValidation, 0, err, e.now())
		e.commitRecord(ctx, record)
		return
	}

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Error().
			Str("job_id", meta.JobID).
			Err(err).
			Msg("worker: failed to acquire concurrency semaphore")
		return
	}

	recCopy := record.Clone()

	go e.processRecord(ctx, recCopy, meta)
}

func (e *Engine) processRecord(ctx context.Context, record *Record, meta JobMeta) {
	defer e.semaphore.Release(1)

	if ctx.Err() != nil {
		e.logger.Warn().
			Str("job_id", meta.JobID).
			Msg("worker: context cancelled before processing began")
		return
	}

	attempt := 1
	firstFailedAt := time.Time{}

	for {
		start := e.now()
		err := e.processor.Process(ctx, meta, record.Value, attempt)
		duration := e.now().Sub(start)

		logEvent := e.logger.With().
			Str("job_id", meta.JobID).
			Str("tenant_id", meta.TenantID).
			Int("attempt", attempt).
			Dur("duration", duration).
			Logger()

		if err == nil {
			logEvent.Info().Msg("worker: job processed")
			e.commitRecord(ctx, record)
			return
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logEvent.Warn().Err(err).Msg("worker: context cancelled during processing; deferring commit for redelivery")
			return
		}

		logEvent.Warn().Err(err).Msg("worker: processor returned error")

		now := e.now()
		if firstFailedAt.IsZero() {
			firstFailedAt = now
		}

		if !errors.Is(err, pipeline.ErrTransientDelivery) {
			failureType := models.FailureTypePermanent
			switch {
			case errors.Is(err, pipeline.ErrValidationFailure), errors.Is(err, pipeline.ErrMalformedPayload):
				failureType = models.FailureTypeValidation
			case errors.Is(err, pipeline.ErrPermanentDelivery):
				failureType = models.FailureTypePermanent
			default:
				failureType = models.FailureTypeUnknown
			}
			e.deadLetter(ctx, record, meta, failureType, attempt, err, firstFailedAt)
			e.commitRecord(ctx, record)
			return
		}

		if attempt >= e.cfg.MaxAttempts {
			e.deadLetter(ctx, record, meta, models.FailureTypeTransient, attempt, err, firstFailedAt)
			e.commitRecord(ctx, record)
			return
		}

		delay := e.fullJitter(e.cfg.Backoff.Delay(attempt))
		if delay > 0 {
			logEvent.Info().Dur("backoff", delay).Msg("worker: scheduling retry after transient error")
		}

		if !e.wait(ctx, delay) {
			e.logger.Warn().
				Str("job_id", meta.JobID).
				Int("attempt", attempt).
				Msg("worker: context cancelled while waiting for retry; job redelivered on next poll")
			return
		}

		attempt++
	}
}

func (e *Engine) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()

	n := e.rnd.Int63n(int64(max) + 1)
	return time.Duration(n)
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) deadLetter(ctx context.Context, record *Record, meta JobMeta, failureType string, attempts int, cause error, firstFailedAt time.Time) {
	now := e.now()
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}

	failureEvent := meta.FailureEvent
	if failureEvent == "" {
		failureEvent = models.EventDeadLettered
	}

	e.publishStatus(ctx, models.PipelineEvent{
		EventType:      failureEvent,
		TenantID:       meta.TenantID,
		TerminalID:     meta.TerminalID,
		SubmissionUUID: meta.SubmissionUUID,
		TransactionID:  meta.TransactionID,
		Attempt:        attempts,
		Error:          cause.Error(),
		ErrorKind:      pipeline.Kind(cause),
		Timestamp:      now,
	})

	dl := models.DeadLetter{
		JobKind:        e.cfg.JobKind,
		JobID:          meta.JobID,
		TenantID:       meta.TenantID,
		TransactionID:  meta.TransactionID,
		SubmissionUUID: meta.SubmissionUUID,
		OriginalValue:  cloneBytes(record.Value),
		Attempts:       attempts,
		FailureType:    failureType,
		LastError:      cause.Error(),
		FirstFailedAt:  firstFailedAt,
		LastAttemptAt:  now,
	}
	if err := e.dlqPublisher.PublishDLQ(ctx, dl); err != nil {
		e.logger.Error().
			Str("job_id", meta.JobID).
			Err(err).
			Msg("worker: failed to publish dead letter")
	}
}

func (e *Engine) publishStatus(ctx context.Context, event models.PipelineEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	if e.statusPublisher == nil {
		return
	}
	if err := e.statusPublisher.PublishStatus(ctx, event); err != nil {
		e.logger.Error().
			Str("event", event.EventType).
			Err(err).
			Msg("worker: failed to publish status event")
	}
}

func (e *Engine) commitRecord(ctx context.Context, record *Record) {
	if record == nil || record.commit == nil {
		return
	}
	if err := record.commit(ctx); err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to commit record offset")
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
