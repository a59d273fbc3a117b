package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pos-relay/internal/models"
)

type fakeStore struct {
	rows      map[string]*models.Submission
	nextID    int64
	insertErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]*models.Submission{}}
}

func (f *fakeStore) key(terminalID, submissionUUID string) string {
	return terminalID + "/" + submissionUUID
}

func (f *fakeStore) Insert(_ context.Context, sub *models.Submission) (bool, error) {
	if f.insertErr != nil {
		return false, f.insertErr
	}
	k := f.key(sub.TerminalID, sub.SubmissionUUID)
	if _, ok := f.rows[k]; ok {
		return false, nil
	}
	f.nextID++
	sub.ID = f.nextID
	copied := *sub
	f.rows[k] = &copied
	return true, nil
}

func (f *fakeStore) GetByKey(_ context.Context, terminalID, submissionUUID string) (*models.Submission, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	sub, ok := f.rows[f.key(terminalID, submissionUUID)]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *sub
	return &copied, nil
}

func testRequest() Request {
	return Request{
		TenantID:            "tenant-1",
		TerminalID:          "TRM-001",
		SubmissionUUID:      "8f4a3e94-6f62-4a52-9a2e-0c2f4e2d9b11",
		SubmissionTimestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Checksum:            "abc123",
		DeclaredCount:       3,
		CallbackURL:         "https://merchant.example/callback",
	}
}

func TestAdmitNewSubmission(t *testing.T) {
	store := newFakeStore()
	guard, err := NewGuard(store, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	result, sub, err := guard.Admit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result != ResultNew {
		t.Fatalf("expected NEW, got %s", result)
	}
	if sub.ID == 0 {
		t.Fatal("expected assigned submission id")
	}
	if sub.Status != models.SubmissionReceived {
		t.Fatalf("expected RECEIVED status, got %s", sub.Status)
	}
}

func TestAdmitIdenticalReplay(t *testing.T) {
	store := newFakeStore()
	guard, _ := NewGuard(store, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := guard.Admit(ctx, testRequest()); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	result, sub, err := guard.Admit(ctx, testRequest())
	if err != nil {
		t.Fatalf("replay Admit: %v", err)
	}
	if result != ResultDuplicateOK {
		t.Fatalf("expected DUPLICATE_OK, got %s", result)
	}
	if sub == nil || sub.ID == 0 {
		t.Fatal("expected stored submission returned")
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected single stored row, got %d", len(store.rows))
	}
}

func TestAdmitConflictingReplay(t *testing.T) {
	store := newFakeStore()
	guard, _ := NewGuard(store, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := guard.Admit(ctx, testRequest()); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	conflicting := testRequest()
	conflicting.Checksum = "different"

	result, sub, err := guard.Admit(ctx, conflicting)
	if err != nil {
		t.Fatalf("conflicting Admit: %v", err)
	}
	if result != ResultConflict {
		t.Fatalf("expected CONFLICT, got %s", result)
	}
	if sub.PayloadChecksum != "abc123" {
		t.Fatalf("stored submission must be untouched, got checksum %s", sub.PayloadChecksum)
	}
}

func TestAdmitCountMismatchIsConflict(t *testing.T) {
	store := newFakeStore()
	guard, _ := NewGuard(store, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := guard.Admit(ctx, testRequest()); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	conflicting := testRequest()
	conflicting.DeclaredCount = 4

	result, _, err := guard.Admit(ctx, conflicting)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result != ResultConflict {
		t.Fatalf("expected CONFLICT on count mismatch, got %s", result)
	}
}

func TestAdmitStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("db down")
	guard, _ := NewGuard(store, zerolog.Nop())

	if _, _, err := guard.Admit(context.Background(), testRequest()); err == nil {
		t.Fatal("expected insert error to propagate")
	}
}

func TestNewGuardRequiresStore(t *testing.T) {
	if _, err := NewGuard(nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil store")
	}
}
