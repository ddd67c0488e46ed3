package market

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/pkg/types"
)

type fakeChain struct {
	slot    uint64
	samples []types.PerformanceSample
	err     error
}

func (f *fakeChain) GetSlot(context.Context) (uint64, error) {
	return f.slot, f.err
}

func (f *fakeChain) GetRecentPerformanceSamples(context.Context, int) ([]types.PerformanceSample, error) {
	return f.samples, f.err
}

func newTestMonitor(t *testing.T, cfg types.MonitoringConfig, chain ChainSource) (*Monitor, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	breakers := circuit.NewRegistry(zap.NewNop(), circuit.DefaultConfig())
	return NewMonitor(zap.NewNop(), cfg, bus, chain, breakers), bus
}

func TestRollingSeriesTrimAndStats(t *testing.T) {
	s := NewRollingSeries(10 * time.Minute)
	base := time.Unix(1700000000, 0)

	s.Add(100, base.Add(-20*time.Minute))
	s.Add(110, base.Add(-5*time.Minute))
	s.Add(121, base)
	s.Trim(base)

	if s.Len() != 2 {
		t.Fatalf("len after trim = %d, want 2", s.Len())
	}
	returns := s.Returns()
	if len(returns) != 1 {
		t.Fatalf("returns = %v", returns)
	}
	if got := returns[0]; got < 0.099 || got > 0.101 {
		t.Errorf("return = %f, want ~0.10", got)
	}
	if first, _ := s.First(); first != 110 {
		t.Errorf("first = %f", first)
	}
	if latest, _ := s.Latest(); latest != 121 {
		t.Errorf("latest = %f", latest)
	}
}

func TestCongestionDerivation(t *testing.T) {
	// avg slot time 0.6s vs expected 0.4s → (0.2/0.4)*100 = 50.
	chain := &fakeChain{
		slot: 1000,
		samples: []types.PerformanceSample{
			{NumSlots: 100, SamplePeriodSecs: 60},
		},
	}
	m, _ := newTestMonitor(t, types.MonitoringConfig{
		ExpectedSlotTime: 400 * time.Millisecond,
	}, chain)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := m.Condition()
	if c == nil {
		t.Fatal("no condition after cycle")
	}
	if math.Abs(c.Factors.NetworkCongestion-50) > 1e-9 {
		t.Errorf("congestion = %f, want 50", c.Factors.NetworkCongestion)
	}
}

func TestLiquidityDrainAlert(t *testing.T) {
	chain := &fakeChain{samples: []types.PerformanceSample{{NumSlots: 100, SamplePeriodSecs: 40}}}
	m, bus := newTestMonitor(t, types.MonitoringConfig{
		LiquidityDropThreshold: 20,
		ExpectedSlotTime:       400 * time.Millisecond,
	}, chain)

	alerts := make(chan types.Alert, 8)
	bus.Subscribe(events.EventTypeAlert, func(event events.Event) error {
		ae := event.(events.AlertEvent)
		alerts <- ae.Alert
		return nil
	})

	m.RecordLiquidity("pool1", 10000)
	m.RecordLiquidity("pool1", 5000) // 50% drain
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case a := <-alerts:
		if a.Type != "LIQUIDITY_DRAIN" {
			t.Errorf("alert type = %s", a.Type)
		}
		if a.PoolAddress != "pool1" {
			t.Errorf("alert pool = %s", a.PoolAddress)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert")
	}
}

func TestPoolLiquidityHookServesExitStrategy(t *testing.T) {
	chain := &fakeChain{}
	m, _ := newTestMonitor(t, types.MonitoringConfig{}, chain)

	if _, _, ok := m.PoolLiquidity("unknown"); ok {
		t.Error("unknown pool reported as known")
	}

	m.RecordLiquidity("pool1", 10000)
	m.RecordLiquidity("pool1", 4000)
	current, initial, ok := m.PoolLiquidity("pool1")
	if !ok {
		t.Fatal("tracked pool not found")
	}
	if current != 4000 || initial != 10000 {
		t.Errorf("liquidity = (%f, %f)", current, initial)
	}
}

func TestSeriesSourceForRisk(t *testing.T) {
	chain := &fakeChain{}
	m, _ := newTestMonitor(t, types.MonitoringConfig{}, chain)

	m.RecordPrice("T1", 100, 0)
	m.RecordPrice("T1", 110, 0)
	returns := m.Returns("T1")
	if len(returns) != 1 {
		t.Fatalf("returns = %v", returns)
	}

	m.RecordLiquidity("poolA", 5000)
	m.RecordLiquidity("poolB", 2000)
	min, ok := m.MinPoolLiquidity()
	if !ok || min != 2000 {
		t.Errorf("min liquidity = (%f, %v)", min, ok)
	}
}

func TestCycleRunsUnderRPCBreaker(t *testing.T) {
	chain := &fakeChain{err: context.DeadlineExceeded}
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	breakers := circuit.NewRegistry(zap.NewNop(), circuit.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	m := NewMonitor(zap.NewNop(), types.MonitoringConfig{}, bus, chain, breakers)

	ctx := context.Background()
	m.Cycle(ctx)
	m.Cycle(ctx)

	if st := breakers.Get(circuit.BreakerRPCCalls).State(); st != circuit.StateOpen {
		t.Errorf("rpc breaker state = %s, want OPEN after repeated failures", st)
	}
	if err := m.Cycle(ctx); err == nil {
		t.Error("cycle succeeded while breaker open")
	}
}
