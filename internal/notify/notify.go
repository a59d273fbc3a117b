// Package notify delivers validation results to the callback URL a terminal
// registered with its submission. Delivery runs as a queue worker job:
// transient callback failures are retried by the engine, terminal failures
// dead-letter without affecting forwarding.
package notify

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

	"github.com/example/pos-relay/internal/alert"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/util"
	"github.com/example/pos-relay/internal/worker"
)

const maxResponseBytes = 16 * 1024

// callbackPayload is the wire shape posted to the terminal callback.
type callbackPayload struct {
	TransactionID    string    `json:"transaction_id"`
	SubmissionUUID   string    `json:"submission_uuid"`
	ValidationResult string    `json:"validation_result"`
	Errors           []string  `json:"errors,omitempty"`
	NotifiedAt       time.Time `json:"notified_at"`
}

// StatusPublisher emits lifecycle events for callback deliveries.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.PipelineEvent) error
}

// Processor delivers one notify job per queue record.
type Processor struct {
	httpClient *http.Client
	status     StatusPublisher
	monitor    *alert.Monitor
	logger     zerolog.Logger
	now        func() time.Time
}

// NewProcessor constructs the notify processor with a hard per-request
// timeout on callback deliveries.
func NewProcessor(timeout time.Duration, status StatusPublisher, monitor *alert.Monitor, logger zerolog.Logger, now func() time.Time) (*Processor, error) {
	if timeout <= 0 {
		return nil, errors.New("notify: request timeout must be positive")
	}
	if status == nil {
		return nil, errors.New("notify: status publisher dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if now == nil {
		now = time.Now
	}

	return &Processor{
		httpClient: &http.Client{Timeout: timeout},
		status:     status,
		monitor:    monitor,
		logger:     logger.With().Str("component", "notify_processor").Logger(),
		now:        now,
	}, nil
}

// Decode parses and sanity-checks a notify job payload.
func (p *Processor) Decode(payload []byte) (worker.JobMeta, error) {
	var job models.NotifyJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return worker.JobMeta{}, pipeline.WrapMalformed(fmt.Errorf("notify job is not valid JSON: %v", err))
	}

	meta := worker.JobMeta{
		JobID:          job.JobID,
		TenantID:       job.TenantID,
		SubmissionUUID: job.SubmissionUUID,
		TransactionID:  job.TransactionID,
		FailureEvent:   models.EventNotifyFailed,
	}

	if job.JobID == "" {
		return meta, pipeline.WrapMalformed(errors.New("notify job missing job_id"))
	}
	if job.TransactionID == "" {
		return meta, pipeline.WrapMalformed(errors.New("notify job missing transaction_id"))
	}
	if _, err := util.ValidateHTTPURL(job.CallbackURL); err != nil {
		return meta, pipeline.WrapMalformed(fmt.Errorf("notify job callback url: %v", err))
	}
	return meta, nil
}

// Process executes one callback delivery attempt.
func (p *Processor) Process(ctx context.Context, meta worker.JobMeta, payload []byte, attempt int) error {
	var job models.NotifyJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return pipeline.WrapMalformed(fmt.Errorf("notify job is not valid JSON: %v", err))
	}

	err := p.deliver(ctx, job)
	if err == nil {
		p.publishEvent(ctx, job, models.PipelineEvent{
			EventType: models.EventNotified,
			Attempt:   attempt,
		})
		p.logger.Info().
			Str("job_id", job.JobID).
			Str("transaction_id", job.TransactionID).
			Int("attempt", attempt).
			Msg("callback delivered")
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	p.observeFailure(ctx, job, err)
	return err
}

func (p *Processor) deliver(ctx context.Context, job models.NotifyJob) error {
	body, err := json.Marshal(callbackPayload{
		TransactionID:    job.TransactionID,
		SubmissionUUID:   job.SubmissionUUID,
		ValidationResult: job.Result,
		Errors:           job.Errors,
		NotifiedAt:       p.now(),
	})
	if err != nil {
		return pipeline.WrapMalformed(fmt.Errorf("marshal callback payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return pipeline.WrapPermanent(fmt.Errorf("build callback request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return pipeline.WrapTransient(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return pipeline.WrapPermanent(fmt.Errorf("callback rejected with status %d", resp.StatusCode))
	default:
		return pipeline.WrapTransient(fmt.Errorf("callback unavailable with status %d", resp.StatusCode))
	}
}

func (p *Processor) observeFailure(ctx context.Context, job models.NotifyJob, cause error) {
	if p.monitor == nil {
		return
	}
	ev := alert.FailureEvent{
		TenantID:   job.TenantID,
		Kind:       alert.KindNotifyFailed,
		Detail:     cause.Error(),
		OccurredAt: p.now(),
	}
	if err := p.monitor.Observe(ctx, ev); err != nil {
		p.logger.Error().Err(err).Msg("failed to record callback failure")
	}
}

func (p *Processor) publishEvent(ctx context.Context, job models.NotifyJob, event models.PipelineEvent) {
	event.TenantID = job.TenantID
	event.SubmissionUUID = job.SubmissionUUID
	event.TransactionID = job.TransactionID
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if err := p.status.PublishStatus(ctx, event); err != nil {
		p.logger.Error().
			Str("event", event.EventType).
			Err(err).
			Msg("failed to publish notify event")
	}
}
