package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/pos-relay/internal/models"
)

// queryRecorder captures every statement a repository issues so tests can
// assert on the SQL and bound arguments without a running database.
type queryRecorder struct {
	mu           sync.Mutex
	queries      []string
	args         [][]driver.NamedValue
	rowsAffected int64
}

func (r *queryRecorder) record(query string, args []driver.NamedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	r.args = append(r.args, args)
}

func (r *queryRecorder) last(t *testing.T) (string, []driver.NamedValue) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queries) == 0 {
		t.Fatal("no statements recorded")
	}
	return r.queries[len(r.queries)-1], r.args[len(r.args)-1]
}

type recorderConnector struct {
	rec *queryRecorder
}

func (c recorderConnector) Connect(context.Context) (driver.Conn, error) {
	return &recorderConn{rec: c.rec}, nil
}

func (c recorderConnector) Driver() driver.Driver { return recorderDriver{} }

type recorderDriver struct{}

func (recorderDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open through sql.OpenDB")
}

type recorderConn struct {
	rec *queryRecorder
}

func (c *recorderConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (c *recorderConn) Close() error { return nil }

func (c *recorderConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *recorderConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.rec.record(query, args)
	return emptyRows{}, nil
}

func (c *recorderConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.rec.record(query, args)
	return driver.RowsAffected(c.rec.rowsAffected), nil
}

type emptyRows struct{}

func (emptyRows) Columns() []string              { return nil }
func (emptyRows) Close() error                   { return nil }
func (emptyRows) Next(dest []driver.Value) error { return io.EOF }

func newRecordedRepo(t *testing.T, lease time.Duration) (*queryRecorder, ForwardAttemptRepository) {
	t.Helper()
	rec := &queryRecorder{rowsAffected: 1}
	db := sql.OpenDB(recorderConnector{rec: rec})
	t.Cleanup(func() { db.Close() })
	return rec, NewForwardAttemptRepository(db, lease)
}

func TestClaimDueReclaimsExpiredLeases(t *testing.T) {
	rec, repo := newRecordedRepo(t, 90*time.Second)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	claimed, err := repo.ClaimDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no rows from empty result set, got %d", len(claimed))
	}

	query, args := rec.last(t)
	if !strings.Contains(query, "claimed_at = $3") {
		t.Fatalf("claim must stamp claimed_at, got query %q", query)
	}
	if !strings.Contains(query, "claimed_at <= $4") {
		t.Fatalf("claim must reclaim rows with expired leases, got query %q", query)
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 bound arguments, got %d", len(args))
	}
	if got := args[0].Value; got != models.ForwardInProgress {
		t.Fatalf("expected IN_PROGRESS reclaim predicate, got %v", got)
	}
	cutoff, ok := args[3].Value.(time.Time)
	if !ok || !cutoff.Equal(now.Add(-90*time.Second)) {
		t.Fatalf("expected lease cutoff %v, got %v", now.Add(-90*time.Second), args[3].Value)
	}
}

func TestClaimDueDefaultsLease(t *testing.T) {
	rec, repo := newRecordedRepo(t, 0)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := repo.ClaimDue(context.Background(), now, 5); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	_, args := rec.last(t)
	cutoff, ok := args[3].Value.(time.Time)
	if !ok || !cutoff.Equal(now.Add(-DefaultClaimLease)) {
		t.Fatalf("expected default lease cutoff %v, got %v", now.Add(-DefaultClaimLease), args[3].Value)
	}
}

func TestForwardTransitionsClearLease(t *testing.T) {
	rec, repo := newRecordedRepo(t, time.Minute)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	steps := []struct {
		name string
		call func() error
	}{
		{"release", func() error { return repo.Release(ctx, 7) }},
		{"complete", func() error { return repo.Complete(ctx, 7, "ok", now) }},
		{"reschedule", func() error { return repo.Reschedule(ctx, 7, 1, now, "transient") }},
		{"fail", func() error { return repo.Fail(ctx, 7, 3, "exhausted", now) }},
		{"requeue", func() error { return repo.Requeue(ctx, 7, now) }},
	}
	for _, step := range steps {
		if err := step.call(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		query, _ := rec.last(t)
		if !strings.Contains(query, "claimed_at = NULL") {
			t.Fatalf("%s must drop the claim lease, got query %q", step.name, query)
		}
	}
}

func TestRequeueMissingAttempt(t *testing.T) {
	rec, repo := newRecordedRepo(t, time.Minute)
	rec.rowsAffected = 0

	err := repo.Requeue(context.Background(), 99, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown attempt, got %v", err)
	}
}
