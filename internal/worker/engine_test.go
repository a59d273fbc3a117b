package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/backoff"
	"github.com/example/pos-relay/internal/kafka/consumer"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/worker"
)

type processorStub struct {
	mu        sync.Mutex
	meta      worker.JobMeta
	decodeErr error
	results   []error
	index     int
	calls     int
}

func (p *processorStub) Decode(payload []byte) (worker.JobMeta, error) {
	if p.decodeErr != nil {
		return p.meta, p.decodeErr
	}
	return p.meta, nil
}

func (p *processorStub) Process(ctx context.Context, meta worker.JobMeta, payload []byte, attempt int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	if p.index >= len(p.results) {
		return p.results[len(p.results)-1]
	}
	res := p.results[p.index]
	p.index++
	return res
}

func (p *processorStub) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type statusCollector struct {
	mu     sync.Mutex
	events []models.PipelineEvent
}

func (s *statusCollector) PublishStatus(ctx context.Context, event models.PipelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *statusCollector) snapshot() []models.PipelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PipelineEvent(nil), s.events...)
}

type dlqCollector struct {
	mu      sync.Mutex
	records []models.DeadLetter
}

func (d *dlqCollector) PublishDLQ(ctx context.Context, record models.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, record)
	return nil
}

func (d *dlqCollector) snapshot() []models.DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.DeadLetter(nil), d.records...)
}

func testMeta() worker.JobMeta {
	return worker.JobMeta{
		JobID:          "job-1",
		TenantID:       "tenant-1",
		SubmissionUUID: "uuid-1",
		TransactionID:  "TXN-1",
		FailureEvent:   models.EventValidationFailed,
	}
}

func testConfig() worker.Config {
	return worker.Config{
		JobKind:     "validation",
		MsgMaxBytes: 1024,
		MaxAttempts: 3,
		Backoff:     backoff.Policy{Base: time.Millisecond, Factor: 2, Cap: 2 * time.Millisecond},
		Concurrency: 1,
	}
}

func newEngine(t *testing.T, cfg worker.Config, proc worker.Processor, status worker.StatusPublisher, dlq worker.DLQPublisher) *worker.Engine {
	t.Helper()
	engine, err := worker.NewEngine(cfg, worker.Dependencies{
		Processor:       proc,
		StatusPublisher: status,
		DLQPublisher:    dlq,
		Logger:          zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func record(payload []byte, commit func(context.Context) error) *worker.Record {
	rec := &consumer.Record{
		Topic: "pos.validation.request",
		Key:   []byte("job-1"),
		Value: payload,
	}
	return worker.NewRecordFromConsumer(rec, commit)
}

func waitCommit(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}
}

func TestEngineCommitsOnSuccess(t *testing.T) {
	proc := &processorStub{meta: testMeta()}
	status := &statusCollector{}
	dlq := &dlqCollector{}
	engine := newEngine(t, testConfig(), proc, status, dlq)

	commitCh := make(chan struct{})
	engine.HandleRecord(context.Background(), record([]byte(`{}`), func(context.Context) error {
		close(commitCh)
		return nil
	}))

	waitCommit(t, commitCh)
	if got := proc.callCount(); got != 1 {
		t.Fatalf("expected 1 process call, got %d", got)
	}
	if len(dlq.snapshot()) != 0 {
		t.Fatal("unexpected dead letter on success")
	}
}

func TestEngineRetriesTransientThenSucceeds(t *testing.T) {
	proc := &processorStub{
		meta: testMeta(),
		results: []error{
			pipeline.WrapTransient(errors.New("downstream timeout")),
			nil,
		},
	}
	status := &statusCollector{}
	dlq := &dlqCollector{}
	engine := newEngine(t, testConfig(), proc, status, dlq)

	commitCh := make(chan struct{})
	engine.HandleRecord(context.Background(), record([]byte(`{}`), func(context.Context) error {
		close(commitCh)
		return nil
	}))

	waitCommit(t, commitCh)
	if got := proc.callCount(); got != 2 {
		t.Fatalf("expected 2 process calls, got %d", got)
	}
	if len(dlq.snapshot()) != 0 {
		t.Fatal("unexpected dead letter after eventual success")
	}
}

func TestEngineDeadLettersPermanentImmediately(t *testing.T) {
	proc := &processorStub{
		meta:    testMeta(),
		results: []error{pipeline.WrapPermanent(errors.New("downstream rejected batch"))},
	}
	status := &statusCollector{}
	dlq := &dlqCollector{}
	engine := newEngine(t, testConfig(), proc, status, dlq)

	commitCh := make(chan struct{})
	engine.HandleRecord(context.Background(), record([]byte(`{}`), func(context.Context) error {
		close(commitCh)
		return nil
	}))

	waitCommit(t, commitCh)
	if got := proc.callCount(); got != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", got)
	}

	records := dlq.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(records))
	}
	if records[0].FailureType != models.FailureTypePermanent {
		t.Fatalf("expected permanent failure type, got %s", records[0].FailureType)
	}
	if records[0].JobID != "job-1" {
		t.Fatalf("unexpected dead letter job id %s", records[0].JobID)
	}

	events := status.snapshot()
	if len(events) != 1 || events[0].EventType != models.EventValidationFailed {
		t.Fatalf("expected single terminal failure event, got %+v", events)
	}
}

func TestEngineDeadLettersAfterRetryBudget(t *testing.T) {
	proc := &processorStub{
		meta:    testMeta(),
		results: []error{pipeline.WrapTransient(errors.New("still down"))},
	}
	status := &statusCollector{}
	dlq := &dlqCollector{}
	engine := newEngine(t, testConfig(), proc, status, dlq)

	commitCh := make(chan struct{})
	engine.HandleRecord(context.Background(), record([]byte(`{}`), func(context.Context) error {
		close(commitCh)
		return nil
	}))

	waitCommit(t, commitCh)
	if got := proc.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	records := dlq.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(records))
	}
	if records[0].FailureType != models.FailureTypeTransient {
		t.Fatalf("expected transient failure type, got %s", records[0].FailureType)
	}
	if records[0].Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", records[0].Attempts)
	}
}

func TestEngineDeadLettersDecodeFailure(t *testing.T) {
	proc := &processorStub{
		meta:      worker.JobMeta{},
		decodeErr: pipeline.WrapMalformed(errors.New("not json")),
	}
	status := &statusCollector{}
	dlq := &dlqCollector{}
	engine := newEngine(t, testConfig(), proc, status, dlq)

	committed := false
	engine.HandleRecord(context.Background(), record([]byte(`garbage`), func(context.Context) error {
		committed = true
		return nil
	}))

	if !committed {
		t.Fatal("decode failure must commit so the partition is not blocked")
	}
	if got := proc.callCount(); got != 0 {
		t.Fatalf("decode failure must not process, got %d calls", got)
	}

	records := dlq.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(records))
	}
	if records[0].FailureType != models.FailureTypeValidation {
		t.Fatalf("expected validation failure type, got %s", records[0].FailureType)
	}
	if records[0].JobID != "job-1" {
		t.Fatalf("expected job id falling back to record key, got %s", records[0].JobID)
	}
}

func TestEngineRejectsOversizeRecord(t *testing.T) {
	cfg := testConfig()
	cfg.MsgMaxBytes = 8

	proc := &processorStub{meta: testMeta()}
	status := &statusCollector{}
	dlq := &dlqCollector{}
	engine := newEngine(t, cfg, proc, status, dlq)

	big, _ := json.Marshal(map[string]string{"filler": "0123456789abcdef"})

	committed := false
	engine.HandleRecord(context.Background(), record(big, func(context.Context) error {
		committed = true
		return nil
	}))

	if !committed {
		t.Fatal("oversize record must be committed")
	}
	records := dlq.snapshot()
	if len(records) != 1 || records[0].FailureType != models.FailureTypeValidation {
		t.Fatalf("expected validation dead letter for oversize record, got %+v", records)
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	proc := &processorStub{}
	status := &statusCollector{}
	dlq := &dlqCollector{}

	cases := []worker.Config{
		{JobKind: "", MaxAttempts: 1, Concurrency: 1},
		{JobKind: "validation", MaxAttempts: 0, Concurrency: 1},
		{JobKind: "validation", MaxAttempts: 1, Concurrency: 0},
		{JobKind: "validation", MaxAttempts: 1, Concurrency: 1, MsgMaxBytes: -1},
	}
	for _, cfg := range cases {
		if _, err := worker.NewEngine(cfg, worker.Dependencies{
			Processor:       proc,
			StatusPublisher: status,
			DLQPublisher:    dlq,
		}); err == nil {
			t.Fatalf("expected config error for %+v", cfg)
		}
	}

	if _, err := worker.NewEngine(testConfig(), worker.Dependencies{
		StatusPublisher: status,
		DLQPublisher:    dlq,
	}); err == nil {
		t.Fatal("expected error for missing processor")
	}
}
