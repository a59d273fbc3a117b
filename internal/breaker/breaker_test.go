package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, threshold int, reset time.Duration) (*Breaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	b, err := New(NewMemoryStore(), Key("tenant-1", "downstream"), Config{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	}, zerolog.Nop(), clock.Now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b, clock
}

func mustAllow(t *testing.T, b *Breaker, want bool) {
	t.Helper()
	got, err := b.Allow(context.Background())
	if err != nil {
		t.Fatalf("allow: unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("allow: expected %v, got %v", want, got)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, 5, 30*time.Second)

	for i := 0; i < 5; i++ {
		mustAllow(t, b, true)
		if err := b.RecordFailure(ctx); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	// sixth call is rejected locally, no probe and no consumed attempt
	mustAllow(t, b, false)

	rec, err := b.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if rec.State != StateOpen {
		t.Fatalf("expected OPEN, got %s", rec.State)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, 2, 30*time.Second)

	for i := 0; i < 2; i++ {
		_ = b.RecordFailure(ctx)
	}
	mustAllow(t, b, false)

	clock.Advance(31 * time.Second)

	// first caller after expiry is the single admitted probe
	mustAllow(t, b, true)
	// second caller while the probe is in flight is rejected
	mustAllow(t, b, false)

	rec, _ := b.State(ctx)
	if rec.State != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", rec.State)
	}
}

func TestBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, 2, 30*time.Second)

	_ = b.RecordFailure(ctx)
	_ = b.RecordFailure(ctx)
	clock.Advance(time.Minute)
	mustAllow(t, b, true)

	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatalf("record success: %v", err)
	}

	rec, _ := b.State(ctx)
	if rec.State != StateClosed {
		t.Fatalf("expected CLOSED, got %s", rec.State)
	}
	if rec.Failures != 0 {
		t.Fatalf("expected failure count reset, got %d", rec.Failures)
	}
	mustAllow(t, b, true)
}

func TestBreakerReopensAfterFailedProbe(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, 2, 30*time.Second)

	_ = b.RecordFailure(ctx)
	_ = b.RecordFailure(ctx)
	clock.Advance(time.Minute)
	mustAllow(t, b, true)

	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	rec, _ := b.State(ctx)
	if rec.State != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %s", rec.State)
	}
	// fresh cooldown: still rejected
	mustAllow(t, b, false)
	clock.Advance(31 * time.Second)
	mustAllow(t, b, true)
}

func TestBreakerSuccessResetsClosedFailures(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, 3, 30*time.Second)

	_ = b.RecordFailure(ctx)
	_ = b.RecordFailure(ctx)
	_ = b.RecordSuccess(ctx)
	_ = b.RecordFailure(ctx)
	_ = b.RecordFailure(ctx)

	rec, _ := b.State(ctx)
	if rec.State != StateClosed {
		t.Fatalf("expected CLOSED while below threshold, got %s", rec.State)
	}
}

func TestBreakerSingleProbeUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()

	key := Key("tenant-1", "downstream")
	mk := func() *Breaker {
		b, err := New(store, key, Config{FailureThreshold: 1, ResetTimeout: time.Second}, zerolog.Nop(), clock.Now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return b
	}

	_ = mk().RecordFailure(ctx)
	clock.Advance(2 * time.Second)

	const workers = 16
	var wg sync.WaitGroup
	admitted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := mk().Allow(ctx)
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if ok {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one admitted probe, got %d", count)
	}
}

func TestRegistryIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore(), Config{FailureThreshold: 1, ResetTimeout: time.Minute}, zerolog.Nop(), nil)

	a, err := reg.For("tenant-a", "downstream")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bb, err := reg.For("tenant-b", "downstream")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = a.RecordFailure(ctx)

	mustAllow(t, a, false)
	mustAllow(t, bb, true)

	again, _ := reg.For("tenant-a", "downstream")
	if again != a {
		t.Fatalf("expected registry to reuse breaker instances")
	}
}

func TestSweeperFlipsStaleOpenBreakers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()

	b, err := New(store, Key("tenant-1", "downstream"), Config{FailureThreshold: 1, ResetTimeout: time.Second}, zerolog.Nop(), clock.Now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = b.RecordFailure(ctx)

	sweeper := NewSweeper(store, store, zerolog.Nop(), clock.Now)

	// cooldown not elapsed: nothing to do
	n, err := sweeper.SweepOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected no flips, got n=%d err=%v", n, err)
	}

	clock.Advance(2 * time.Second)
	n, err = sweeper.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one flip, got n=%d err=%v", n, err)
	}

	rec, _ := b.State(ctx)
	if rec.State != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after sweep, got %s", rec.State)
	}
	// swept breaker still admits exactly one probe
	mustAllow(t, b, true)
	mustAllow(t, b, false)
}

func TestBreakerExpiredProbeLeaseAdmitsReplacement(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, 1, 30*time.Second)

	_ = b.RecordFailure(ctx)
	clock.Advance(31 * time.Second)

	// probe admitted but its outcome is never reported
	mustAllow(t, b, true)
	mustAllow(t, b, false)

	// within the lease the slot stays occupied
	clock.Advance(10 * time.Second)
	mustAllow(t, b, false)

	// once the lease expires a replacement probe takes over
	clock.Advance(21 * time.Second)
	mustAllow(t, b, true)
	mustAllow(t, b, false)

	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := b.State(ctx)
	if rec.State != StateClosed {
		t.Fatalf("expected CLOSED after replacement probe succeeds, got %s", rec.State)
	}
}

func TestBreakerReleaseProbeFreesSlot(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, 1, 30*time.Second)

	_ = b.RecordFailure(ctx)
	clock.Advance(31 * time.Second)

	mustAllow(t, b, true)
	mustAllow(t, b, false)

	if err := b.ReleaseProbe(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the surrendered slot is immediately available to the next caller
	mustAllow(t, b, true)
	mustAllow(t, b, false)

	// ReleaseProbe outside HALF_OPEN with a probe in flight is a no-op
	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.ReleaseProbe(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := b.State(ctx)
	if rec.State != StateOpen {
		t.Fatalf("expected OPEN to be untouched, got %s", rec.State)
	}
}
