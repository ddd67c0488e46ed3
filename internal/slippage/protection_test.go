package slippage

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/pkg/types"
)

func defaultConfig() types.SlippageConfig {
	return types.SlippageConfig{
		BasePercent:          1,
		MaxPercent:           10,
		EmergencyPercent:     15,
		VolatilityMultiplier: 2,
		ImpactThreshold:      1,
		LiquidityThreshold:   10000,
	}
}

func TestRecommendBaseOnly(t *testing.T) {
	p := NewProtector(zap.NewNop(), defaultConfig())

	est := p.Recommend(Inputs{
		TradeUSD:         100,
		PoolLiquidityUSD: 1000000,
	})
	if est.Emergency {
		t.Fatal("emergency engaged in calm conditions")
	}
	// Deep pool, tiny trade, zero volatility: base alone.
	if math.Abs(est.RecommendedPct-1) > 1e-9 {
		t.Errorf("recommended = %f, want 1 (base)", est.RecommendedPct)
	}
}

func TestRecommendAddsVolatility(t *testing.T) {
	p := NewProtector(zap.NewNop(), defaultConfig())

	est := p.Recommend(Inputs{
		TradeUSD:          100,
		PoolLiquidityUSD:  1000000,
		OverallVolatility: 0.5,
	})
	// base 1 + 2*0.5 = 2.
	if math.Abs(est.RecommendedPct-2) > 1e-9 {
		t.Errorf("recommended = %f, want 2", est.RecommendedPct)
	}
}

func TestRecommendClampedToMax(t *testing.T) {
	p := NewProtector(zap.NewNop(), defaultConfig())

	est := p.Recommend(Inputs{
		TradeUSD:          5000,
		PoolLiquidityUSD:  12000, // thin pool, big trade
		OverallVolatility: 0.7,
	})
	if est.Emergency {
		t.Fatal("unexpected emergency")
	}
	if est.RecommendedPct > 10 {
		t.Errorf("recommended = %f exceeds max", est.RecommendedPct)
	}
}

func TestEmergencyOverrides(t *testing.T) {
	p := NewProtector(zap.NewNop(), defaultConfig())

	cases := []Inputs{
		{TradeUSD: 100, PoolLiquidityUSD: 100000, BreakerTripped: true},
		{TradeUSD: 100, PoolLiquidityUSD: 100000, OverallVolatility: 0.9},
		{TradeUSD: 100, PoolLiquidityUSD: 500}, // below threshold*0.1
	}
	for i, in := range cases {
		est := p.Recommend(in)
		if !est.Emergency {
			t.Errorf("case %d: emergency not engaged", i)
		}
		if est.RecommendedPct != 15 {
			t.Errorf("case %d: recommended = %f, want emergency 15", i, est.RecommendedPct)
		}
	}
}

func TestMarketImpactSquareRootModel(t *testing.T) {
	p := NewProtector(zap.NewNop(), defaultConfig())

	// sqrt(1000/100000)*0.1*100 = 1.0, mid-size pool multiplier 1.0.
	impact := p.MarketImpact(1000, 100000)
	if math.Abs(impact-1.0) > 1e-9 {
		t.Errorf("impact = %f, want 1.0", impact)
	}

	// Thin pool multiplier raises it; cap applies eventually.
	thin := p.MarketImpact(5000, 5000)
	if thin != impactCapPct {
		t.Errorf("thin-pool impact = %f, want capped %f", thin, impactCapPct)
	}

	// Unknown liquidity is treated as worst case.
	if got := p.MarketImpact(100, 0); got != impactCapPct {
		t.Errorf("impact with zero liquidity = %f", got)
	}
}

func TestImpactExcessAboveThresholdAdded(t *testing.T) {
	p := NewProtector(zap.NewNop(), defaultConfig())

	// Impact 2% with threshold 1%: excess 1 is added on top of base.
	est := p.Recommend(Inputs{
		TradeUSD:         4000,
		PoolLiquidityUSD: 100000,
	})
	impact := p.MarketImpact(4000, 100000)
	wantExcess := impact - 1
	found := false
	for _, f := range est.Factors {
		if f.Name == "impact" {
			found = true
			if math.Abs(f.ContributionPct-wantExcess) > 1e-9 {
				t.Errorf("impact contribution = %f, want %f", f.ContributionPct, wantExcess)
			}
		}
	}
	if !found {
		t.Error("impact factor missing")
	}
}

func TestFloorAtHalfBase(t *testing.T) {
	cfg := defaultConfig()
	cfg.BasePercent = 2
	p := NewProtector(zap.NewNop(), cfg)

	est := p.Recommend(Inputs{TradeUSD: 10, PoolLiquidityUSD: 10000000})
	if est.RecommendedPct < 1 {
		t.Errorf("recommended = %f below base/2 floor", est.RecommendedPct)
	}
}
