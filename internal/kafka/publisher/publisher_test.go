package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/kafka/publisher"
	"github.com/example/pos-relay/internal/models"
)

type capturedMessage struct {
	topic   string
	key     []byte
	headers map[string][]byte
	payload []byte
}

type fakeProducer struct {
	messages []capturedMessage
	err      error
}

func (f *fakeProducer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, capturedMessage{topic: topic, key: key, headers: headers, payload: payload})
	return nil
}

func TestStatusPublisherKeysBySubmission(t *testing.T) {
	prod := &fakeProducer{}
	pub := publisher.NewStatusPublisher(prod, "status-topic", zerolog.Nop())
	if pub == nil {
		t.Fatal("expected publisher instance")
	}

	event := models.PipelineEvent{
		EventType:      models.EventValidated,
		SubmissionUUID: "sub-1",
		Timestamp:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	if err := pub.PublishStatus(context.Background(), event); err != nil {
		t.Fatalf("PublishStatus: %v", err)
	}

	if len(prod.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(prod.messages))
	}
	msg := prod.messages[0]
	if msg.topic != "status-topic" || string(msg.key) != "sub-1" {
		t.Fatalf("unexpected routing: topic=%q key=%q", msg.topic, msg.key)
	}
	if string(msg.headers["content-type"]) != "application/json" {
		t.Fatalf("expected json content-type header, got %q", msg.headers["content-type"])
	}

	var decoded models.PipelineEvent
	if err := json.Unmarshal(msg.payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.EventType != models.EventValidated {
		t.Fatalf("unexpected event type %q", decoded.EventType)
	}
}

func TestDLQPublisherKeysByJobID(t *testing.T) {
	prod := &fakeProducer{}
	pub := publisher.NewDLQPublisher(prod, "dlq-topic", zerolog.Nop())

	record := models.DeadLetter{
		JobKind:     "validation",
		JobID:       "job-9",
		FailureType: models.FailureTypeTransient,
		Attempts:    3,
	}
	if err := pub.PublishDLQ(context.Background(), record); err != nil {
		t.Fatalf("PublishDLQ: %v", err)
	}

	if len(prod.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(prod.messages))
	}
	if string(prod.messages[0].key) != "job-9" {
		t.Fatalf("expected job id key, got %q", prod.messages[0].key)
	}
}

func TestJobPublisherKeysBySubmission(t *testing.T) {
	prod := &fakeProducer{}
	pub := publisher.NewJobPublisher(prod, "jobs-topic", zerolog.Nop())

	if err := pub.PublishValidationJob(context.Background(), models.ValidationJob{
		JobID:          "job-1",
		SubmissionUUID: "sub-7",
		TransactionID:  41,
	}); err != nil {
		t.Fatalf("PublishValidationJob: %v", err)
	}
	if err := pub.PublishNotifyJob(context.Background(), models.NotifyJob{
		JobID:          "job-2",
		SubmissionUUID: "sub-7",
		TransactionID:  "TXN-0001",
		CallbackURL:    "https://merchant.example/cb",
		Result:         models.ValidationValid,
	}); err != nil {
		t.Fatalf("PublishNotifyJob: %v", err)
	}

	if len(prod.messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(prod.messages))
	}
	for _, msg := range prod.messages {
		if string(msg.key) != "sub-7" {
			t.Fatalf("expected submission key, got %q", msg.key)
		}
	}
}

func TestPublisherPropagatesProducerError(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	pub := publisher.NewStatusPublisher(prod, "status-topic", zerolog.Nop())

	err := pub.PublishStatus(context.Background(), models.PipelineEvent{EventType: models.EventReceived})
	if err == nil {
		t.Fatal("expected error from producer")
	}
}

func TestNilProducerRejected(t *testing.T) {
	if pub := publisher.NewStatusPublisher(nil, "t", zerolog.Nop()); pub != nil {
		t.Fatal("expected nil publisher for nil producer")
	}

	var pub *publisher.StatusPublisher
	err := pub.PublishStatus(context.Background(), models.PipelineEvent{})
	if !errors.Is(err, publisher.ErrProducerNotInitialised()) {
		t.Fatalf("expected not-initialised error, got %v", err)
	}
}
