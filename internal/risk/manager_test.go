package risk

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/pkg/types"
)

type fakePortfolio struct {
	exposures []Exposure
}

func (f *fakePortfolio) OpenExposures() []Exposure { return f.exposures }

type fakeSeries struct {
	returns map[string][]float64
	minLiq  float64
	hasLiq  bool
}

func (f *fakeSeries) Returns(token string) []float64 { return f.returns[token] }
func (f *fakeSeries) MinPoolLiquidity() (float64, bool) {
	return f.minLiq, f.hasLiq
}

func newTestManager(t *testing.T, cfg types.RiskConfig, portfolio *fakePortfolio, series *fakeSeries) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	return NewManager(zap.NewNop(), cfg, bus, portfolio, series), bus
}

func TestTradeGateRejectsOversizeTrade(t *testing.T) {
	portfolio := &fakePortfolio{exposures: []Exposure{
		{TokenAddress: "T1", ValueUSD: 500},
		{TokenAddress: "T2", ValueUSD: 300},
	}}
	series := &fakeSeries{}
	m, bus := newTestManager(t, types.RiskConfig{
		MaxSinglePositionUSD: 500,
		MaxTotalExposureUSD:  1000,
	}, portfolio, series)

	var alerts []types.Alert
	done := make(chan struct{})
	bus.Subscribe(events.EventTypeAlert, func(event events.Event) error {
		ae := event.(events.AlertEvent)
		alerts = append(alerts, ae.Alert)
		close(done)
		return nil
	})

	// Current exposure 800; a 400 USD trade would push to 1200.
	result := m.AssessTradeRisk(types.TradeDecision{
		TargetToken:    "T3",
		TradeAmountUSD: 400,
	})
	if result.Approved {
		t.Fatal("oversize trade approved")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no alert published")
	}
	if alerts[0].Type != "EXPOSURE_LIMIT" {
		t.Errorf("alert type = %s", alerts[0].Type)
	}
	if alerts[0].Severity != types.AlertSeverityCritical {
		t.Errorf("alert severity = %s", alerts[0].Severity)
	}
}

func TestTradeGateApprovesWithinCaps(t *testing.T) {
	portfolio := &fakePortfolio{exposures: []Exposure{{TokenAddress: "T1", ValueUSD: 100}}}
	m, _ := newTestManager(t, types.RiskConfig{
		MaxSinglePositionUSD: 500,
		MaxTotalExposureUSD:  1000,
	}, portfolio, &fakeSeries{})

	result := m.AssessTradeRisk(types.TradeDecision{TradeAmountUSD: 200})
	if !result.Approved {
		t.Fatalf("trade rejected: %v", result.Violations)
	}
}

func TestTradeGateSinglePositionCap(t *testing.T) {
	m, _ := newTestManager(t, types.RiskConfig{
		MaxSinglePositionUSD: 500,
		MaxTotalExposureUSD:  10000,
	}, &fakePortfolio{}, &fakeSeries{})

	if m.AssessTradeRisk(types.TradeDecision{TradeAmountUSD: 501}).Approved {
		t.Error("trade above single-position cap approved")
	}
	if !m.AssessTradeRisk(types.TradeDecision{TradeAmountUSD: 500}).Approved {
		t.Error("trade exactly at cap rejected")
	}
}

func TestRiskScoreMonotonicInExposure(t *testing.T) {
	series := &fakeSeries{minLiq: 10000, hasLiq: true}
	cfg := types.RiskConfig{MaxTotalExposureUSD: 1000}

	var prev float64
	for i, exposure := range []float64{100, 300, 500, 700, 900} {
		portfolio := &fakePortfolio{exposures: []Exposure{{TokenAddress: "T1", ValueUSD: exposure}}}
		m, _ := newTestManager(t, cfg, portfolio, series)
		a := m.Assess()
		if i > 0 && a.RiskScore < prev {
			t.Errorf("risk score decreased with exposure %f: %f < %f", exposure, a.RiskScore, prev)
		}
		prev = a.RiskScore
	}
}

func TestRiskScoreMonotonicInVolatility(t *testing.T) {
	cfg := types.RiskConfig{MaxTotalExposureUSD: 1000}
	portfolio := &fakePortfolio{exposures: []Exposure{{TokenAddress: "T1", ValueUSD: 500}}}

	var prev float64
	for i, scale := range []float64{0.001, 0.01, 0.05, 0.1} {
		returns := make([]float64, 20)
		for j := range returns {
			if j%2 == 0 {
				returns[j] = scale
			} else {
				returns[j] = -scale
			}
		}
		series := &fakeSeries{
			returns: map[string][]float64{"T1": returns},
			minLiq:  10000,
			hasLiq:  true,
		}
		m, _ := newTestManager(t, cfg, portfolio, series)
		a := m.Assess()
		if i > 0 && a.RiskScore < prev {
			t.Errorf("risk score decreased with volatility scale %f: %f < %f", scale, a.RiskScore, prev)
		}
		prev = a.RiskScore
	}
}

func TestRiskLevelBuckets(t *testing.T) {
	cases := []struct {
		score float64
		want  types.RiskLevel
	}{
		{10, types.RiskLevelLow},
		{40, types.RiskLevelMedium},
		{60, types.RiskLevelHigh},
		{85, types.RiskLevelCritical},
	}
	for _, c := range cases {
		if got := types.RiskLevelForScore(c.score); got != c.want {
			t.Errorf("RiskLevelForScore(%f) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestCorrelationRiskDetectsCorrelatedPair(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.03, -0.01, 0.02, -0.03, 0.01, 0.02}
	series := &fakeSeries{
		returns: map[string][]float64{
			"T1": returns,
			"T2": returns, // perfectly correlated
		},
		minLiq: 10000,
		hasLiq: true,
	}
	portfolio := &fakePortfolio{exposures: []Exposure{
		{TokenAddress: "T1", ValueUSD: 500},
		{TokenAddress: "T2", ValueUSD: 500},
	}}
	m, _ := newTestManager(t, types.RiskConfig{
		MaxTotalExposureUSD:  10000,
		CorrelationThreshold: 0.7,
	}, portfolio, series)

	a := m.Assess()
	if a.CorrelationRisk <= 0 {
		t.Errorf("correlationRisk = %f, want > 0 for identical series", a.CorrelationRisk)
	}
}

func TestDrawdownTracking(t *testing.T) {
	m, _ := newTestManager(t, types.RiskConfig{MaxDrawdownPercent: 25}, &fakePortfolio{}, &fakeSeries{})

	m.RecordTradePnL(100)
	m.RecordTradePnL(-50)

	m.mu.Lock()
	dd := m.drawdownLocked()
	m.mu.Unlock()
	if dd != 50 {
		t.Errorf("drawdown = %f, want 50", dd)
	}
}
