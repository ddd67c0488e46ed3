package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/errs"
	"github.com/liquidsnipe/engine/internal/events"
)

type fakeActions struct {
	mu                sync.Mutex
	reconnectFailures int
	reconnects        int
	failovers         int
	restarts          int
	retries           int
	shutdowns         int
	retryErr          error
}

func (f *fakeActions) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if f.reconnects <= f.reconnectFailures {
		return errors.New("still down")
	}
	return nil
}

func (f *fakeActions) Failover(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failovers++
	return errors.New("no failover target")
}

func (f *fakeActions) RestartComponent(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return errors.New("restart failed")
}

func (f *fakeActions) Retry(context.Context, *errs.TradingError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return f.retryErr
}

func (f *fakeActions) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeActions) counts() (int, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects, f.failovers, f.restarts, f.retries
}

func newTestCoordinator(t *testing.T, actions Actions) (*Coordinator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	c := NewCoordinator(zap.NewNop(), bus, actions, errs.NewHandler(zap.NewNop()))
	c.sleep = func(context.Context, time.Duration) bool { return true } // no real waiting
	return c, bus
}

func TestConnectionPlanRecoversOnThirdReconnect(t *testing.T) {
	actions := &fakeActions{reconnectFailures: 2}
	c, _ := newTestCoordinator(t, actions)

	te := errs.Newf(errs.CategoryConnection, "solana", "read", "socket closed")
	if !c.Recover(context.Background(), te) {
		t.Fatal("recovery failed")
	}
	reconnects, failovers, _, _ := actions.counts()
	if reconnects != 3 {
		t.Errorf("reconnects = %d, want 3", reconnects)
	}
	if failovers != 0 {
		t.Errorf("failovers = %d, want 0 (plan stopped early)", failovers)
	}
	if te.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", te.Attempts)
	}
}

func TestConnectionPlanEscalatesThroughChain(t *testing.T) {
	actions := &fakeActions{reconnectFailures: 100}
	c, _ := newTestCoordinator(t, actions)

	te := errs.Newf(errs.CategoryConnection, "solana", "read", "socket closed")
	if c.Recover(context.Background(), te) {
		t.Fatal("recovery reported success with every action failing")
	}
	reconnects, failovers, restarts, _ := actions.counts()
	if reconnects != 5 || failovers != 3 || restarts != 2 {
		t.Errorf("chain = (%d, %d, %d), want (5, 3, 2)", reconnects, failovers, restarts)
	}
}

func TestDatabasePlanRetriesFirst(t *testing.T) {
	actions := &fakeActions{}
	c, _ := newTestCoordinator(t, actions)

	te := errs.Newf(errs.CategoryDatabase, "storage", "ping", "locked")
	if !c.Recover(context.Background(), te) {
		t.Fatal("recovery failed")
	}
	_, _, _, retries := actions.counts()
	if retries != 1 {
		t.Errorf("retries = %d, want 1", retries)
	}
}

func TestCategoryBreakerTripsAndResets(t *testing.T) {
	actions := &fakeActions{}
	c, bus := newTestCoordinator(t, actions)

	clock := time.Unix(1700000000, 0)
	c.now = func() time.Time { return clock }

	tripped := make(chan events.BreakerEvent, 4)
	bus.Subscribe(events.EventTypeBreakerTripped, func(event events.Event) error {
		tripped <- event.(events.BreakerEvent)
		return nil
	})

	// Four errors in the window: not yet tripped.
	for i := 0; i < 4; i++ {
		if c.categoryTripped(errs.CategoryTradingExecution) {
			t.Fatalf("tripped after %d errors", i+1)
		}
	}
	// Fifth trips it.
	if !c.categoryTripped(errs.CategoryTradingExecution) {
		t.Fatal("not tripped at 5 errors in window")
	}
	select {
	case ev := <-tripped:
		if ev.Name != "category:TRADING_EXECUTION" {
			t.Errorf("breaker event name = %s", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no breaker event")
	}

	// Still open inside the reset window.
	clock = clock.Add(5 * time.Minute)
	if !c.categoryTripped(errs.CategoryTradingExecution) {
		t.Error("breaker closed before reset window")
	}

	// Auto-resets after 10 minutes.
	clock = clock.Add(6 * time.Minute)
	if c.categoryTripped(errs.CategoryTradingExecution) {
		t.Error("breaker still open after reset window")
	}
}

func TestFatalErrorRequestsShutdown(t *testing.T) {
	actions := &fakeActions{}
	c, bus := newTestCoordinator(t, actions)

	shutdowns := make(chan events.EmergencyShutdownEvent, 1)
	bus.Subscribe(events.EventTypeEmergencyShutdown, func(event events.Event) error {
		shutdowns <- event.(events.EmergencyShutdownEvent)
		return nil
	})

	te := errs.New(errs.CategoryConnection, "solana", "stream", errors.New("gone"),
		errs.WithSeverity(errs.SeverityCritical), errs.NotRecoverable())
	c.Handle(context.Background(), te)

	select {
	case <-shutdowns:
	case <-time.After(2 * time.Second):
		t.Fatal("no emergencyShutdown for fatal error")
	}
	reconnects, _, _, _ := actions.counts()
	if reconnects != 0 {
		t.Error("recovery attempted for a fatal error")
	}
}

func TestUnknownCategoryHasNoPlan(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeActions{})
	te := errs.Newf(errs.CategoryAnalytics, "risk", "assess", "bad math")
	if c.Recover(context.Background(), te) {
		t.Error("recovery claimed success for a category without a plan")
	}
}
