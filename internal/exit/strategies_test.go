package exit

import (
	"testing"
	"time"

	"github.com/liquidsnipe/engine/internal/position"
	"github.com/liquidsnipe/engine/pkg/types"
)

func ctxWithPnL(entry, current float64) position.Context {
	ctx := position.Context{
		PositionID:     "p1",
		TokenAddress:   "T1",
		PoolAddress:    "pool1",
		EntryPrice:     entry,
		Amount:         100,
		EntryTimestamp: time.Now(),
		CurrentPrice:   current,
	}
	if entry > 0 {
		ctx.PnLPercent = (current - entry) / entry * 100
		ctx.PnLUSD = ctx.PnLPercent * ctx.Amount / 100
	}
	return ctx
}

func TestProfitTarget(t *testing.T) {
	s := &ProfitStrategy{TargetPercent: 50, peaks: map[string]float64{}}

	if sig := s.Evaluate(ctxWithPnL(0.10, 0.11), time.Now()); sig != nil {
		t.Errorf("triggered at +10%%: %+v", sig)
	}
	sig := s.Evaluate(ctxWithPnL(0.10, 0.16), time.Now())
	if sig == nil {
		t.Fatal("did not trigger at +60%")
	}
	if sig.Reason != "profit target" {
		t.Errorf("reason = %q", sig.Reason)
	}
}

func TestTrailingStopArmsAtTarget(t *testing.T) {
	s := &ProfitStrategy{TargetPercent: 50, TrailingPercent: 10, peaks: map[string]float64{}}
	now := time.Now()

	// Target reached: arms and tracks the peak instead of exiting.
	if sig := s.Evaluate(ctxWithPnL(0.10, 0.16), now); sig != nil {
		t.Fatalf("trailing stop exited at first target touch: %+v", sig)
	}
	// New peak.
	if sig := s.Evaluate(ctxWithPnL(0.10, 0.20), now); sig != nil {
		t.Fatalf("trailing stop exited on a new peak: %+v", sig)
	}
	// 5% below peak: holds.
	if sig := s.Evaluate(ctxWithPnL(0.10, 0.19), now); sig != nil {
		t.Fatalf("trailing stop exited 5%% below peak: %+v", sig)
	}
	// 15% below peak: exits.
	if sig := s.Evaluate(ctxWithPnL(0.10, 0.17), now); sig == nil {
		t.Fatal("trailing stop held 15% below peak")
	}
}

func TestStopLoss(t *testing.T) {
	s := &LossStrategy{LossPercent: 20}

	if sig := s.Evaluate(ctxWithPnL(0.10, 0.085), time.Now()); sig != nil {
		t.Errorf("triggered at -15%%: %+v", sig)
	}
	sig := s.Evaluate(ctxWithPnL(0.10, 0.075), time.Now())
	if sig == nil {
		t.Fatal("did not trigger at -25%")
	}
	if sig.Urgency != types.ExitUrgencyHigh {
		t.Errorf("urgency = %s", sig.Urgency)
	}
}

func TestMaxHoldingTime(t *testing.T) {
	s := &TimeStrategy{MaxHolding: time.Hour}
	ctx := ctxWithPnL(0.10, 0.10)

	if sig := s.Evaluate(ctx, ctx.EntryTimestamp.Add(30*time.Minute)); sig != nil {
		t.Error("triggered before max holding time")
	}
	if sig := s.Evaluate(ctx, ctx.EntryTimestamp.Add(2*time.Hour)); sig == nil {
		t.Error("did not trigger past max holding time")
	}
}

func TestLiquidityDrop(t *testing.T) {
	liquidity := func(string) (float64, float64, bool) { return 4000, 10000, true }
	s := &LiquidityDropStrategy{DropPercent: 50, liquidity: liquidity}

	sig := s.Evaluate(ctxWithPnL(0.10, 0.10), time.Now())
	if sig == nil {
		t.Fatal("did not trigger on 60% drain")
	}
	if sig.Urgency != types.ExitUrgencyImmediate {
		t.Errorf("urgency = %s, want IMMEDIATE", sig.Urgency)
	}

	s.liquidity = func(string) (float64, float64, bool) { return 8000, 10000, true }
	if sig := s.Evaluate(ctxWithPnL(0.10, 0.10), time.Now()); sig != nil {
		t.Errorf("triggered on 20%% drain: %+v", sig)
	}
}

func TestDeveloperActivity(t *testing.T) {
	flagged := false
	s := &DeveloperActivityStrategy{activity: func(string) bool { return flagged }}

	if sig := s.Evaluate(ctxWithPnL(0.10, 0.10), time.Now()); sig != nil {
		t.Error("triggered without a signal")
	}
	flagged = true
	if sig := s.Evaluate(ctxWithPnL(0.10, 0.10), time.Now()); sig == nil {
		t.Error("did not trigger on a flagged token")
	}
}

// Most protective family wins when several strategies fire at once.
func TestTieBreakOrder(t *testing.T) {
	configs := []types.ExitStrategyConfig{
		{Type: "profit", Enabled: true, Params: map[string]float64{"profitPercentage": 1}},
		{Type: "time", Enabled: true, Params: map[string]float64{"maxHoldingMinutes": 0.001}},
		{Type: "loss", Enabled: true, Params: map[string]float64{"lossPercentage": 20}},
		{Type: "liquidity", Enabled: true, Params: map[string]float64{"dropPercentage": 50}},
	}
	strategies, err := NewFromConfig(configs, Deps{
		Liquidity: func(string) (float64, float64, bool) { return 1000, 10000, true },
	})
	if err != nil {
		t.Fatal(err)
	}

	// Liquidity drained, time expired, and profit reached all at once.
	ctx := ctxWithPnL(0.10, 0.16)
	ctx.EntryTimestamp = time.Now().Add(-time.Hour)
	sig := Evaluate(strategies, ctx, time.Now())
	if sig == nil {
		t.Fatal("no strategy triggered")
	}
	if sig.Urgency != types.ExitUrgencyImmediate {
		t.Errorf("liquidity should win the tie-break, got %q (%s)", sig.Reason, sig.Urgency)
	}
}

func TestNewFromConfigSkipsDisabledAndRejectsUnknown(t *testing.T) {
	strategies, err := NewFromConfig([]types.ExitStrategyConfig{
		{Type: "profit", Enabled: false},
		{Type: "loss", Enabled: true},
	}, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if len(strategies) != 1 || strategies[0].Type() != "loss" {
		t.Errorf("strategies = %v", strategies)
	}

	if _, err := NewFromConfig([]types.ExitStrategyConfig{
		{Type: "martingale", Enabled: true},
	}, Deps{}); err == nil {
		t.Error("unknown strategy type accepted")
	}
}
