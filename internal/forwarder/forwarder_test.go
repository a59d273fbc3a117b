package forwarder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/backoff"
	"github.com/example/pos-relay/internal/breaker"
	"github.com/example/pos-relay/internal/models"
	"github.com/example/pos-relay/internal/pipeline"
	"github.com/example/pos-relay/internal/repository"
)

type stubDeliverer struct {
	response string
	err      error
	calls    int
}

func (s *stubDeliverer) Forward(context.Context, string, []*models.Transaction) (string, error) {
	s.calls++
	return s.response, s.err
}

type stubTransactions struct {
	txn *models.Transaction
}

func (s *stubTransactions) InsertBatch(context.Context, []*models.Transaction) error {
	return errors.New("not implemented")
}

func (s *stubTransactions) GetByID(_ context.Context, id int64) (*models.Transaction, error) {
	if s.txn == nil || s.txn.ID != id {
		return nil, repository.ErrNotFound
	}
	return s.txn, nil
}

func (s *stubTransactions) SetValidation(context.Context, int64, string, string, time.Time) error {
	return nil
}

func (s *stubTransactions) ListBySubmission(context.Context, int64) ([]*models.Transaction, error) {
	return nil, nil
}

type stubForwards struct {
	mu          sync.Mutex
	released    []int64
	completed   []int64
	rescheduled []int64
	failed      []int64
	attempts    int
	nextRetryAt time.Time
	lastError   string
	response    string
}

func (s *stubForwards) Enqueue(context.Context, *models.ForwardAttempt) error { return nil }
func (s *stubForwards) ClaimDue(context.Context, time.Time, int) ([]*models.ForwardAttempt, error) {
	return nil, nil
}

func (s *stubForwards) Release(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	return nil
}

func (s *stubForwards) Complete(_ context.Context, id int64, response string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	s.response = response
	return nil
}

func (s *stubForwards) Reschedule(_ context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduled = append(s.rescheduled, id)
	s.attempts = attempts
	s.nextRetryAt = nextRetryAt
	s.lastError = lastError
	return nil
}

func (s *stubForwards) Fail(_ context.Context, id int64, attempts int, lastError string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	s.attempts = attempts
	s.lastError = lastError
	return nil
}

func (s *stubForwards) Requeue(context.Context, int64, time.Time) error { return nil }
func (s *stubForwards) GetByID(context.Context, int64) (*models.ForwardAttempt, error) {
	return nil, repository.ErrNotFound
}

type stubSubmissions struct {
	completionChecks int
}

func (s *stubSubmissions) Insert(context.Context, *models.Submission) (bool, error) {
	return false, errors.New("not implemented")
}
func (s *stubSubmissions) GetByKey(context.Context, string, string) (*models.Submission, error) {
	return nil, repository.ErrNotFound
}
func (s *stubSubmissions) GetByID(context.Context, int64) (*models.Submission, error) {
	return nil, repository.ErrNotFound
}
func (s *stubSubmissions) UpdateStatus(context.Context, int64, string, string) error { return nil }
func (s *stubSubmissions) MarkCompletedIfDelivered(context.Context, int64) (bool, error) {
	s.completionChecks++
	return true, nil
}

type forwarderFixture struct {
	fw       *Forwarder
	client   *stubDeliverer
	forwards *stubForwards
	subs     *stubSubmissions
	store    *breaker.MemoryStore
	events   *eventSink
	now      time.Time
}

type eventSink struct {
	mu     sync.Mutex
	events []models.PipelineEvent
}

func (s *eventSink) PublishStatus(_ context.Context, event models.PipelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func newForwarderFixture(t *testing.T, client *stubDeliverer) *forwarderFixture {
	t.Helper()

	f := &forwarderFixture{
		client:   client,
		forwards: &stubForwards{},
		subs:     &stubSubmissions{},
		store:    breaker.NewMemoryStore(),
		events:   &eventSink{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	registry := breaker.NewRegistry(f.store, breaker.Config{
		FailureThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}, zerolog.Nop(), func() time.Time { return f.now })

	fw, err := New(Deps{
		Client:       client,
		Transactions: &stubTransactions{txn: sampleTxn()},
		Forwards:     f.forwards,
		Submissions:  f.subs,
		Breakers:     registry,
		Status:       f.events,
		Now:          func() time.Time { return f.now },
	}, "downstream-app", backoff.Policy{Base: time.Second, Factor: 2, Cap: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.fw = fw
	return f
}

func claimedAttempt() *models.ForwardAttempt {
	return &models.ForwardAttempt{
		ID:            10,
		TransactionID: 42,
		TenantID:      "tenant-1",
		Status:        models.ForwardInProgress,
		Attempts:      0,
		MaxAttempts:   3,
	}
}

func TestForwarderDeliversAndCompletes(t *testing.T) {
	f := newForwarderFixture(t, &stubDeliverer{response: "status=200"})

	if err := f.fw.Process(context.Background(), claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(f.forwards.completed) != 1 {
		t.Fatalf("expected attempt completed, got %+v", f.forwards)
	}
	if f.subs.completionChecks != 1 {
		t.Fatal("expected submission completion check after delivery")
	}
	types := f.events.types()
	if len(types) != 2 || types[0] != models.EventForwardAttempt || types[1] != models.EventForwarded {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestForwarderReschedulesTransientFailure(t *testing.T) {
	f := newForwarderFixture(t, &stubDeliverer{err: pipeline.WrapTransient(errors.New("gateway timeout"))})

	if err := f.fw.Process(context.Background(), claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(f.forwards.rescheduled) != 1 {
		t.Fatalf("expected reschedule, got %+v", f.forwards)
	}
	if f.forwards.attempts != 1 {
		t.Fatalf("expected attempt counter 1, got %d", f.forwards.attempts)
	}
	want := f.now.Add(2 * time.Second)
	if !f.forwards.nextRetryAt.Equal(want) {
		t.Fatalf("expected next retry at %v, got %v", want, f.forwards.nextRetryAt)
	}
}

func TestForwarderFailsTerminallyWhenBudgetExhausted(t *testing.T) {
	f := newForwarderFixture(t, &stubDeliverer{err: pipeline.WrapTransient(errors.New("still down"))})

	fa := claimedAttempt()
	fa.Attempts = 2
	fa.MaxAttempts = 3

	if err := f.fw.Process(context.Background(), fa); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(f.forwards.failed) != 1 {
		t.Fatalf("expected terminal failure, got %+v", f.forwards)
	}
	if f.forwards.attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", f.forwards.attempts)
	}
}

func TestForwarderFailsPermanentImmediately(t *testing.T) {
	f := newForwarderFixture(t, &stubDeliverer{err: pipeline.WrapPermanent(errors.New("rejected"))})

	if err := f.fw.Process(context.Background(), claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(f.forwards.failed) != 1 || len(f.forwards.rescheduled) != 0 {
		t.Fatalf("permanent failure must terminate, got %+v", f.forwards)
	}
}

func TestForwarderProbeRejectionReopensBreaker(t *testing.T) {
	client := &stubDeliverer{err: pipeline.WrapTransient(errors.New("down"))}
	f := newForwarderFixture(t, client)

	ctx := context.Background()

	// two transient failures trip the breaker at threshold 2
	if err := f.fw.Process(ctx, claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := f.fw.Process(ctx, claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// past cooldown the single probe is admitted and rejected with a 4xx
	f.now = f.now.Add(31 * time.Second)
	client.err = pipeline.WrapPermanent(errors.New("rejected"))
	if err := f.fw.Process(ctx, claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.forwards.failed) != 1 {
		t.Fatalf("expected probe attempt to fail terminally, got %+v", f.forwards)
	}

	// the rejected probe re-opened the breaker with a fresh cooldown
	client.err = nil
	callsBefore := client.calls
	if err := f.fw.Process(ctx, claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if client.calls != callsBefore {
		t.Fatal("re-opened breaker must short-circuit delivery")
	}

	// and after that cooldown a healthy downstream gets traffic again
	f.now = f.now.Add(31 * time.Second)
	if err := f.fw.Process(ctx, claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.forwards.completed) != 1 {
		t.Fatalf("expected delivery to resume after cooldown, got %+v", f.forwards)
	}
}

func TestForwarderReleasesWhenBreakerOpen(t *testing.T) {
	client := &stubDeliverer{err: pipeline.WrapTransient(errors.New("down"))}
	f := newForwarderFixture(t, client)

	ctx := context.Background()

	// two transient failures trip the breaker at threshold 2
	if err := f.fw.Process(ctx, claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := f.fw.Process(ctx, claimedAttempt()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	callsBefore := client.calls

	fa := claimedAttempt()
	if err := f.fw.Process(ctx, fa); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if client.calls != callsBefore {
		t.Fatal("open breaker must short-circuit delivery")
	}
	if len(f.forwards.released) != 1 {
		t.Fatalf("expected attempt released without consuming budget, got %+v", f.forwards)
	}
}
