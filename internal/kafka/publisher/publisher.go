// Package publisher provides typed Kafka publishers for pipeline lifecycle
// events, dead letters and worker job messages.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the
// publishers.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// StatusPublisher emits pipeline lifecycle events to the status topic. Events
// are keyed by submission UUID so updates for one submission stay ordered.
type StatusPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewStatusPublisher constructs a StatusPublisher instance.
func NewStatusPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishStatus writes the supplied lifecycle event to Kafka synchronously.
func (p *StatusPublisher) PublishStatus(_ context.Context, event models.PipelineEvent) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal pipeline event: %w", err)
	}

	key := []byte(event.SubmissionUUID)
	if err := p.producer.PublishSync(p.topic, key, jsonHeaders(), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish pipeline event: %w", err)
	}
	return nil
}

// DLQPublisher writes dead letters to the configured Kafka topic.
type DLQPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDLQPublisher constructs a DLQPublisher instance.
func NewDLQPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DLQPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishDLQ writes the supplied dead letter to Kafka synchronously.
func (p *DLQPublisher) PublishDLQ(_ context.Context, record models.DeadLetter) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dead letter: %w", err)
	}

	key := []byte(record.JobID)
	if err := p.producer.PublishSync(p.topic, key, jsonHeaders(), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dead letter: %w", err)
	}
	return nil
}

// JobPublisher writes worker job messages to a Kafka topic. Jobs are keyed by
// submission UUID so all jobs for a submission land on one partition.
type JobPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewJobPublisher constructs a JobPublisher for the supplied topic.
func NewJobPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *JobPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &JobPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishValidationJob enqueues a validation job synchronously.
func (p *JobPublisher) PublishValidationJob(_ context.Context, job models.ValidationJob) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal validation job: %w", err)
	}

	key := []byte(job.SubmissionUUID)
	if err := p.producer.PublishSync(p.topic, key, jsonHeaders(), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish validation job: %w", err)
	}
	return nil
}

// PublishNotifyJob enqueues a callback delivery job synchronously.
func (p *JobPublisher) PublishNotifyJob(_ context.Context, job models.NotifyJob) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal notify job: %w", err)
	}

	key := []byte(job.SubmissionUUID)
	if err := p.producer.PublishSync(p.topic, key, jsonHeaders(), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish notify job: %w", err)
	}
	return nil
}

func jsonHeaders() map[string][]byte {
	return map[string][]byte{
		"content-type": []byte("application/json"),
	}
}
