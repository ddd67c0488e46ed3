package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock lets tests advance wall time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, clock *fakeClock) *Breaker {
	t.Helper()
	b := NewBreaker("test", Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
	}, zap.NewNop())
	b.now = clock.now
	return b
}

var errBoom = errors.New("boom")

func noop(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Execute(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("execute %d: err = %v", i, err)
		}
	}
	if st := b.State(); st != StateOpen {
		t.Fatalf("state after 5 failures = %s, want OPEN", st)
	}

	// Sixth call rejects without invoking the wrapped function.
	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("wrapped function called while OPEN")
	}
}

func TestBreakerHalfOpenAndRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Execute(ctx, func(context.Context) error { return errBoom })
	}
	if st := b.State(); st != StateOpen {
		t.Fatalf("state = %s, want OPEN", st)
	}

	// Advance past the open window: next call probes in HALF_OPEN.
	clock.advance(61 * time.Second)
	if err := b.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if st := b.State(); st != StateHalfOpen {
		t.Fatalf("state after 1 success = %s, want HALF_OPEN", st)
	}

	// Two more successes close it with counters reset.
	b.Execute(ctx, func(context.Context) error { return nil })
	b.Execute(ctx, func(context.Context) error { return nil })
	if st := b.State(); st != StateClosed {
		t.Fatalf("state = %s, want CLOSED", st)
	}
	stats := b.GetStats()
	if stats.FailureCount != 0 || stats.SuccessCount != 0 {
		t.Errorf("counters not reset: %+v", stats)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Execute(ctx, func(context.Context) error { return errBoom })
	}
	clock.advance(61 * time.Second)

	if err := b.Execute(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v", err)
	}
	if st := b.State(); st != StateOpen {
		t.Fatalf("state = %s, want OPEN after half-open failure", st)
	}

	// The new window starts from the failure.
	if err := b.Execute(ctx, noop); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen in rescheduled window", err)
	}
}

func TestBreakerStatsAndHealth(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestBreaker(t, clock)
	ctx := context.Background()

	b.Execute(ctx, func(context.Context) error { return nil })
	b.Execute(ctx, func(context.Context) error { return errBoom })
	clock.advance(10 * time.Second)

	stats := b.GetStats()
	if stats.TotalRequests != 2 {
		t.Errorf("totalRequests = %d", stats.TotalRequests)
	}
	if stats.TotalFailures != 1 {
		t.Errorf("totalFailures = %d", stats.TotalFailures)
	}
	if stats.LastSuccessTime == nil || stats.LastFailureTime == nil {
		t.Error("last success/failure times missing")
	}

	h := b.Health()
	if h.ErrorRatePct != 50 {
		t.Errorf("errorRate = %f, want 50", h.ErrorRatePct)
	}
	if h.AvailabilityPct != 100 {
		t.Errorf("availability = %f, want 100 (never opened)", h.AvailabilityPct)
	}
}

func TestRegistryLazyCreateAndHealth(t *testing.T) {
	reg := NewRegistry(zap.NewNop(), DefaultConfig())

	a := reg.Get("rpc-calls")
	if a == nil {
		t.Fatal("breaker not created")
	}
	if b := reg.Get("rpc-calls"); b != a {
		t.Error("registry created a second breaker for the same name")
	}
	if !reg.Healthy() {
		t.Error("fresh registry should be healthy")
	}

	a.ForceOpen()
	if reg.Healthy() {
		t.Error("registry healthy with an OPEN breaker")
	}

	reg.ResetAll()
	if !reg.Healthy() {
		t.Error("registry unhealthy after reset")
	}
}

func TestRegistryStateChangeObserver(t *testing.T) {
	reg := NewRegistry(zap.NewNop(), DefaultConfig())
	var changes []StateChange
	reg.OnStateChange(func(c StateChange) { changes = append(changes, c) })

	b := reg.Get("database")
	b.ForceOpen()
	b.Reset()

	if len(changes) != 2 {
		t.Fatalf("observed %d changes, want 2", len(changes))
	}
	if changes[0].To != StateOpen || changes[1].To != StateClosed {
		t.Errorf("unexpected change sequence: %+v", changes)
	}
}
