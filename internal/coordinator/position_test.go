package coordinator

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/internal/exit"
	"github.com/liquidsnipe/engine/internal/market"
	"github.com/liquidsnipe/engine/internal/position"
	"github.com/liquidsnipe/engine/pkg/types"
)

type fakeFeed struct {
	mu    sync.Mutex
	price float64
	liq   float64
}

func (f *fakeFeed) setPrice(p float64) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

func (f *fakeFeed) GetTokenPrice(_ context.Context, token string) (*types.PriceData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.PriceData{TokenAddress: token, PriceUSD: f.price, Timestamp: time.Now()}, nil
}

func (f *fakeFeed) GetPoolLiquidity(_ context.Context, pool string) (*types.PoolData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liq <= 0 {
		return nil, nil
	}
	return &types.PoolData{PoolAddress: pool, LiquidityUSD: f.liq, Timestamp: time.Now()}, nil
}

type fakeRepo struct {
	mu     sync.Mutex
	added  []types.Position
	closed map[string][2]float64 // id → {pnlUSD, pnlPct}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{closed: make(map[string][2]float64)}
}

func (r *fakeRepo) AddPosition(_ context.Context, pos types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, pos)
	return nil
}

func (r *fakeRepo) GetPosition(context.Context, string) (*types.Position, error) { return nil, nil }

func (r *fakeRepo) GetOpenPositions(context.Context) ([]types.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Position(nil), r.added...), nil
}

func (r *fakeRepo) ClosePosition(_ context.Context, id, _ string, _ time.Time, pnlUSD, pnlPct float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[id] = [2]float64{pnlUSD, pnlPct}
	return nil
}

func (r *fakeRepo) closedPnL(id string) ([2]float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.closed[id]
	return v, ok
}

func newPositionHarness(t *testing.T, cfg PositionConfig, feed *fakeFeed, strategies []exit.Strategy) (*PositionCoordinator, *fakeRepo, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)

	repo := newFakeRepo()
	breakers := circuit.NewRegistry(zap.NewNop(), circuit.DefaultConfig())
	monitor := market.NewMonitor(zap.NewNop(), types.MonitoringConfig{}, bus, nil, breakers)
	executor := &fakeExecutor{exitResult: types.TradeResult{Success: true, TradeID: "exit1"}}

	c := NewPositionCoordinator(zap.NewNop(), cfg, bus, feed, repo, executor,
		strategies, monitor, breakers, openGate{})
	return c, repo, bus
}

func profitStrategies(t *testing.T, target float64) []exit.Strategy {
	t.Helper()
	strategies, err := exit.NewFromConfig([]types.ExitStrategyConfig{
		{Type: "profit", Enabled: true, Params: map[string]float64{"profitPercentage": target}},
	}, exit.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	return strategies
}

func TestHappyPathBuyThenExit(t *testing.T) {
	feed := &fakeFeed{price: 0.10}
	c, repo, _ := newPositionHarness(t, PositionConfig{}, feed, profitStrategies(t, 50))
	ctx := context.Background()

	c.openPosition(ctx, types.TradeDecision{
		ShouldTrade:    true,
		TargetToken:    "T1",
		BaseToken:      "BASE",
		PoolAddress:    "pool1",
		TradeAmountUSD: 100,
		Price:          0.10,
	}, types.TradeResult{Success: true, TradeID: "tr1", PositionID: "p1"})

	machine := c.Machine("p1")
	if machine == nil {
		t.Fatal("no machine created")
	}
	if st := machine.State(); st != position.StateMonitoring {
		t.Fatalf("state = %s, want MONITORING", st)
	}

	// +10%: no exit.
	feed.setPrice(0.11)
	c.MonitorCycle(ctx)
	if st := machine.State(); st != position.StateMonitoring {
		t.Fatalf("state after +10%% tick = %s", st)
	}

	// +60%: profit strategy triggers; the pending exit is approved and
	// executed on the following cycle.
	feed.setPrice(0.16)
	c.MonitorCycle(ctx)
	if st := machine.State(); st != position.StateExitPending {
		t.Fatalf("state after +60%% tick = %s, want EXIT_PENDING", st)
	}
	_, pctx := machine.Snapshot()
	if pctx.ExitReason != "profit target" {
		t.Errorf("exit reason = %q", pctx.ExitReason)
	}

	c.MonitorCycle(ctx)
	if st := machine.State(); st != position.StateClosed {
		t.Fatalf("state after approval cycle = %s, want CLOSED", st)
	}

	pnl, ok := repo.closedPnL("p1")
	if !ok {
		t.Fatal("repository never saw the close")
	}
	if math.Abs(pnl[1]-60) > 1e-9 {
		t.Errorf("pnlPct = %f, want 60", pnl[1])
	}
	if math.Abs(pnl[0]-60) > 1e-9 {
		t.Errorf("pnlUsd = %f, want 60", pnl[0])
	}

	// Closed machines leave the coordinator's map.
	if c.Machine("p1") != nil {
		t.Error("closed position still tracked")
	}
}

func TestExitRequestIdempotence(t *testing.T) {
	feed := &fakeFeed{price: 0.10}
	c, _, _ := newPositionHarness(t, PositionConfig{}, feed, nil)
	ctx := context.Background()

	c.openPosition(ctx, types.TradeDecision{
		TargetToken: "T1", PoolAddress: "pool1", TradeAmountUSD: 100, Price: 0.10,
	}, types.TradeResult{Success: true, TradeID: "tr1", PositionID: "p2"})

	req := types.ExitRequest{PositionID: "p2", Reason: "manual", Urgency: types.ExitUrgencyHigh}
	if !c.HandleExitRequest(ctx, req) {
		t.Fatal("first exit request rejected")
	}
	machine := c.Machine("p2")
	if machine != nil && machine.State() != position.StateClosed {
		t.Fatalf("position not closed after exit request")
	}

	// Re-requesting the exit of a closed (and forgotten) position is a
	// no-op returning false.
	if c.HandleExitRequest(ctx, req) {
		t.Error("exit request on a closed position returned true")
	}
}

func TestConfirmationRequiredHoldsExit(t *testing.T) {
	feed := &fakeFeed{price: 0.20}
	c, _, _ := newPositionHarness(t, PositionConfig{ConfirmationRequired: true}, feed, profitStrategies(t, 50))
	ctx := context.Background()

	c.openPosition(ctx, types.TradeDecision{
		TargetToken: "T1", PoolAddress: "pool1", TradeAmountUSD: 100, Price: 0.10,
	}, types.TradeResult{Success: true, TradeID: "tr1", PositionID: "p3"})

	c.MonitorCycle(ctx) // triggers the exit condition
	machine := c.Machine("p3")
	if st := machine.State(); st != position.StateExitPending {
		t.Fatalf("state = %s, want EXIT_PENDING", st)
	}

	// Cycles do not auto-approve under manual confirmation.
	c.MonitorCycle(ctx)
	if st := machine.State(); st != position.StateExitPending {
		t.Fatalf("state advanced without confirmation: %s", st)
	}

	// An explicit request approves and executes.
	if !c.HandleExitRequest(ctx, types.ExitRequest{PositionID: "p3", Reason: "approved", Manual: true}) {
		t.Fatal("manual approval rejected")
	}
	if st := machine.State(); st != position.StateClosed {
		t.Fatalf("state = %s, want CLOSED", st)
	}
}

func TestPauseSkipsExitEvaluation(t *testing.T) {
	feed := &fakeFeed{price: 0.20}
	c, _, _ := newPositionHarness(t, PositionConfig{}, feed, profitStrategies(t, 50))
	ctx := context.Background()

	c.openPosition(ctx, types.TradeDecision{
		TargetToken: "T1", PoolAddress: "pool1", TradeAmountUSD: 100, Price: 0.10,
	}, types.TradeResult{Success: true, TradeID: "tr1", PositionID: "p4"})

	if !c.Pause("p4") {
		t.Fatal("pause rejected")
	}
	c.MonitorCycle(ctx)

	machine := c.Machine("p4")
	if st := machine.State(); st != position.StatePaused {
		t.Fatalf("state = %s, want PAUSED", st)
	}
	// Price still refreshed while paused.
	_, pctx := machine.Snapshot()
	if pctx.CurrentPrice != 0.20 {
		t.Errorf("paused position price = %f, want 0.20", pctx.CurrentPrice)
	}

	if !c.Resume("p4") {
		t.Fatal("resume rejected")
	}
	c.MonitorCycle(ctx)
	if st := machine.State(); st != position.StateExitPending {
		t.Fatalf("state after resume = %s, want EXIT_PENDING", st)
	}
}

func TestRestoreOpenPositions(t *testing.T) {
	feed := &fakeFeed{price: 0.10}
	c, repo, _ := newPositionHarness(t, PositionConfig{}, feed, nil)
	ctx := context.Background()

	repo.AddPosition(ctx, types.Position{
		ID:             "p5",
		TokenAddress:   "T1",
		PoolAddress:    "pool1",
		EntryPrice:     0.10,
		Amount:         100,
		EntryTimestamp: time.Now().Add(-time.Hour),
		Open:           true,
	})

	if err := c.RestoreOpenPositions(ctx); err != nil {
		t.Fatal(err)
	}
	machine := c.Machine("p5")
	if machine == nil {
		t.Fatal("restored position not tracked")
	}
	if st := machine.State(); st != position.StateMonitoring {
		t.Errorf("restored state = %s, want MONITORING", st)
	}
}

func TestOpenExposuresReflectPnL(t *testing.T) {
	feed := &fakeFeed{price: 0.12}
	c, _, _ := newPositionHarness(t, PositionConfig{}, feed, nil)
	ctx := context.Background()

	c.openPosition(ctx, types.TradeDecision{
		TargetToken: "T1", PoolAddress: "pool1", TradeAmountUSD: 100, Price: 0.10,
	}, types.TradeResult{Success: true, TradeID: "tr1", PositionID: "p6"})
	c.MonitorCycle(ctx)

	exposures := c.OpenExposures()
	if len(exposures) != 1 {
		t.Fatalf("exposures = %d", len(exposures))
	}
	// Entry 100 USD, +20% → 120 USD.
	if math.Abs(exposures[0].ValueUSD-120) > 1e-9 {
		t.Errorf("exposure value = %f, want 120", exposures[0].ValueUSD)
	}
}
