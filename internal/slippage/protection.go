// Package slippage computes per-trade slippage tolerance: a dynamic
// recommendation from volatility, market impact, and pool shape, overridden
// by an emergency limit when conditions degrade.
package slippage

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/pkg/types"
)

// impactCapPct caps the square-root market impact model.
const impactCapPct = 15.0

// Inputs are the live conditions for one recommendation.
type Inputs struct {
	TradeUSD          float64 // intended trade size
	PoolLiquidityUSD  float64 // target pool liquidity
	OverallVolatility float64 // 0-1 fraction from the market monitor
	BreakerTripped    bool    // any relevant circuit breaker open
}

// Estimate is the computed slippage recommendation.
type Estimate struct {
	RecommendedPct float64   `json:"recommendedPct"`
	ImpactPct      float64   `json:"impactPct"`
	Emergency      bool      `json:"emergency"`
	Factors        []Factor  `json:"factors"`
	Timestamp      time.Time `json:"timestamp"`
}

// Factor is one contribution to the recommendation.
type Factor struct {
	Name            string  `json:"name"`
	ContributionPct float64 `json:"contributionPct"`
}

// Protector computes recommendations. The decimal arithmetic keeps the
// clamping exact at the boundaries.
type Protector struct {
	logger *zap.Logger
	mu     sync.RWMutex
	config types.SlippageConfig

	now func() time.Time
}

// NewProtector creates a slippage protector.
func NewProtector(logger *zap.Logger, config types.SlippageConfig) *Protector {
	return &Protector{
		logger: logger.Named("slippage"),
		config: config,
		now:    time.Now,
	}
}

// UpdateConfig swaps the tuning at runtime.
func (p *Protector) UpdateConfig(config types.SlippageConfig) {
	p.mu.Lock()
	p.config = config
	p.mu.Unlock()
}

// Recommend computes the per-trade slippage percentage.
func (p *Protector) Recommend(in Inputs) Estimate {
	p.mu.RLock()
	cfg := p.config
	p.mu.RUnlock()

	est := Estimate{Timestamp: p.now()}

	if emergency := p.emergency(cfg, in); emergency {
		est.Emergency = true
		est.RecommendedPct = cfg.EmergencyPercent
		est.Factors = append(est.Factors, Factor{Name: "emergency", ContributionPct: cfg.EmergencyPercent})
		p.logger.Warn("emergency slippage engaged",
			zap.Float64("volatility", in.OverallVolatility),
			zap.Float64("liquidity_usd", in.PoolLiquidityUSD),
			zap.Bool("breaker_tripped", in.BreakerTripped),
		)
		return est
	}

	base := decimal.NewFromFloat(cfg.BasePercent)
	total := base
	est.Factors = append(est.Factors, Factor{Name: "base", ContributionPct: cfg.BasePercent})

	volAdd := decimal.NewFromFloat(cfg.VolatilityMultiplier * in.OverallVolatility)
	total = total.Add(volAdd)
	est.Factors = append(est.Factors, Factor{Name: "volatility", ContributionPct: volAdd.InexactFloat64()})

	impact := p.MarketImpact(in.TradeUSD, in.PoolLiquidityUSD)
	est.ImpactPct = impact
	if excess := impact - cfg.ImpactThreshold; excess > 0 {
		total = total.Add(decimal.NewFromFloat(excess))
		est.Factors = append(est.Factors, Factor{Name: "impact", ContributionPct: excess})
	}

	if penalty := liquidityPenalty(cfg, in.PoolLiquidityUSD); penalty > 0 {
		total = total.Add(decimal.NewFromFloat(penalty))
		est.Factors = append(est.Factors, Factor{Name: "liquidity", ContributionPct: penalty})
	}

	if penalty := sizeRiskPenalty(in.TradeUSD, in.PoolLiquidityUSD); penalty > 0 {
		total = total.Add(decimal.NewFromFloat(penalty))
		est.Factors = append(est.Factors, Factor{Name: "size", ContributionPct: penalty})
	}

	// Clamp to [base/2, max].
	floor := base.Div(decimal.NewFromInt(2))
	ceil := decimal.NewFromFloat(cfg.MaxPercent)
	if total.LessThan(floor) {
		total = floor
	}
	if total.GreaterThan(ceil) {
		total = ceil
	}

	est.RecommendedPct = total.InexactFloat64()
	return est
}

// emergency reports whether the adaptive limit overrides the dynamic one.
func (p *Protector) emergency(cfg types.SlippageConfig, in Inputs) bool {
	if in.BreakerTripped {
		return true
	}
	if in.OverallVolatility > 0.8 {
		return true
	}
	if cfg.LiquidityThreshold > 0 && in.PoolLiquidityUSD < cfg.LiquidityThreshold*0.1 {
		return true
	}
	return false
}

// MarketImpact estimates price impact with a square-root model:
// sqrt(tradeUsd/liquidity)*0.1, adjusted by pool-size multipliers and capped.
func (p *Protector) MarketImpact(tradeUSD, liquidityUSD float64) float64 {
	if tradeUSD <= 0 || liquidityUSD <= 0 {
		return impactCapPct
	}
	impact := math.Sqrt(tradeUSD/liquidityUSD) * 0.1 * 100
	impact *= poolSizeMultiplier(liquidityUSD)
	if impact > impactCapPct {
		impact = impactCapPct
	}
	return impact
}

// poolSizeMultiplier scales impact for thin and deep pools.
func poolSizeMultiplier(liquidityUSD float64) float64 {
	switch {
	case liquidityUSD < 10000:
		return 1.5
	case liquidityUSD < 50000:
		return 1.2
	case liquidityUSD > 500000:
		return 0.8
	default:
		return 1.0
	}
}

// liquidityPenalty adds tolerance for pools near the minimum threshold.
func liquidityPenalty(cfg types.SlippageConfig, liquidityUSD float64) float64 {
	if cfg.LiquidityThreshold <= 0 {
		return 0
	}
	switch {
	case liquidityUSD < cfg.LiquidityThreshold*0.5:
		return 1.0
	case liquidityUSD < cfg.LiquidityThreshold:
		return 0.5
	default:
		return 0
	}
}

// sizeRiskPenalty adds tolerance when the trade is large relative to the
// pool.
func sizeRiskPenalty(tradeUSD, liquidityUSD float64) float64 {
	if tradeUSD <= 0 || liquidityUSD <= 0 {
		return 0
	}
	ratio := tradeUSD / liquidityUSD
	switch {
	case ratio > 0.10:
		return 1.0
	case ratio > 0.05:
		return 0.5
	default:
		return 0
	}
}
