// Package risk scores portfolio risk from four normalized sub-scores
// (exposure, correlation, volatility, liquidity), raises alerts when limits
// are breached, and gates pending trades against exposure caps.
package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/pkg/types"
)

// Exposure is one open position's contribution to portfolio exposure.
type Exposure struct {
	TokenAddress string
	PoolAddress  string
	ValueUSD     float64
}

// PortfolioSource supplies the current open exposures.
type PortfolioSource interface {
	OpenExposures() []Exposure
}

// SeriesSource supplies rolling analytics series. Implemented by the market
// monitor.
type SeriesSource interface {
	// Returns yields the rolling per-tick returns for a token, oldest first.
	Returns(tokenAddress string) []float64
	// MinPoolLiquidity is the smallest tracked pool liquidity in USD.
	MinPoolLiquidity() (float64, bool)
}

// Assessment is the periodic risk report.
type Assessment struct {
	Timestamp       time.Time       `json:"timestamp"`
	RiskScore       float64         `json:"riskScore"` // 0-100
	RiskLevel       types.RiskLevel `json:"riskLevel"`
	ExposureScore   float64         `json:"exposureAnalysis"`
	CorrelationRisk float64         `json:"correlationRisk"`
	VolatilityRisk  float64         `json:"volatilityRisk"`
	LiquidityScore  float64         `json:"liquidityRisk"`
	Recommendations []string        `json:"recommendations"`
}

// TradeGateResult is the verdict on a pending trade.
type TradeGateResult struct {
	Approved   bool     `json:"approved"`
	Violations []string `json:"violations,omitempty"`
}

// liquidityTargetUSD normalizes the liquidity sub-score: a $10k min pool
// scores 100.
const liquidityTargetUSD = 10000

// Sub-score weights of the overall risk score.
const (
	weightExposure    = 0.30
	weightCorrelation = 0.25
	weightVolatility  = 0.25
	weightLiquidity   = 0.20
)

// Manager computes assessments and gates trades.
type Manager struct {
	logger    *zap.Logger
	config    types.RiskConfig
	bus       *events.Bus
	portfolio PortfolioSource
	series    SeriesSource

	mu         sync.Mutex
	dailyPnL   decimal.Decimal
	peakEquity decimal.Decimal
	equity     decimal.Decimal
	last       *Assessment

	now func() time.Time
}

// NewManager creates a risk manager.
func NewManager(logger *zap.Logger, config types.RiskConfig, bus *events.Bus, portfolio PortfolioSource, series SeriesSource) *Manager {
	return &Manager{
		logger:    logger.Named("risk-manager"),
		config:    config,
		bus:       bus,
		portfolio: portfolio,
		series:    series,
		now:       time.Now,
	}
}

// Run drives periodic assessments until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.config.AssessmentInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := m.now()
			m.Assess()
			m.bus.Publish(events.CycleCompleteEvent{
				BaseEvent: events.BaseEvent{Type: events.EventTypeCycleComplete, Timestamp: m.now()},
				Cycle:     "risk-assessment",
				Duration:  m.now().Sub(start),
			})
		}
	}
}

// Assess computes a full risk assessment and raises threshold alerts.
func (m *Manager) Assess() Assessment {
	exposures := m.portfolio.OpenExposures()

	exposureScore, totalExposure := m.exposureScore(exposures)
	correlationRisk := m.correlationRisk(exposures)
	volatilityRisk := m.volatilityRisk(exposures)
	liquidityScore := m.liquidityScore()

	overall := weightExposure*exposureScore +
		weightCorrelation*correlationRisk +
		weightVolatility*volatilityRisk +
		weightLiquidity*(100-liquidityScore)
	overall = clamp(overall, 0, 100)

	a := Assessment{
		Timestamp:       m.now(),
		RiskScore:       overall,
		RiskLevel:       types.RiskLevelForScore(overall),
		ExposureScore:   exposureScore,
		CorrelationRisk: correlationRisk,
		VolatilityRisk:  volatilityRisk,
		LiquidityScore:  liquidityScore,
		Recommendations: m.recommendations(exposureScore, correlationRisk, volatilityRisk, liquidityScore),
	}

	m.mu.Lock()
	m.last = &a
	dailyPnL, _ := m.dailyPnL.Float64()
	drawdown := m.drawdownLocked()
	m.mu.Unlock()

	m.raiseThresholdAlerts(a, exposures, totalExposure, dailyPnL, drawdown)

	m.logger.Debug("risk assessment",
		zap.Float64("score", a.RiskScore),
		zap.String("level", string(a.RiskLevel)),
		zap.Float64("exposure", exposureScore),
		zap.Float64("correlation", correlationRisk),
		zap.Float64("volatility", volatilityRisk),
		zap.Float64("liquidity", liquidityScore),
	)
	return a
}

// exposureScore normalizes total exposure against the configured cap.
func (m *Manager) exposureScore(exposures []Exposure) (score, totalUSD float64) {
	for _, e := range exposures {
		totalUSD += e.ValueUSD
	}
	cap := m.config.MaxTotalExposureUSD
	if cap <= 0 {
		return 0, totalUSD
	}
	return clamp(totalUSD/cap*100, 0, 100), totalUSD
}

// correlationRisk weighs highly correlated pairs by their joint exposure.
func (m *Manager) correlationRisk(exposures []Exposure) float64 {
	if len(exposures) < 2 {
		return 0
	}
	threshold := m.config.CorrelationThreshold
	if threshold <= 0 {
		threshold = 0.7
	}

	var totalExposure float64
	for _, e := range exposures {
		totalExposure += e.ValueUSD
	}
	if totalExposure <= 0 {
		return 0
	}

	var weighted float64
	for i := 0; i < len(exposures); i++ {
		for j := i + 1; j < len(exposures); j++ {
			rho := correlation(
				m.series.Returns(exposures[i].TokenAddress),
				m.series.Returns(exposures[j].TokenAddress),
			)
			if math.Abs(rho) > threshold {
				joint := (exposures[i].ValueUSD + exposures[j].ValueUSD) / (2 * totalExposure)
				weighted += math.Abs(rho) * joint * 100
			}
		}
	}
	return clamp(weighted, 0, 100)
}

// volatilityRisk averages the per-position return σ, scaled to percent.
// Anything above 50 is extreme and saturates the score.
func (m *Manager) volatilityRisk(exposures []Exposure) float64 {
	if len(exposures) == 0 {
		return 0
	}
	var sum float64
	var counted int
	for _, e := range exposures {
		returns := m.series.Returns(e.TokenAddress)
		if len(returns) < 2 {
			continue
		}
		sum += stddev(returns) * 100
		counted++
	}
	if counted == 0 {
		return 0
	}
	avg := sum / float64(counted)
	return clamp(avg*2, 0, 100)
}

// liquidityScore normalizes the smallest tracked pool to the target.
func (m *Manager) liquidityScore() float64 {
	minLiq, ok := m.series.MinPoolLiquidity()
	if !ok {
		return 100 // nothing tracked, nothing at risk
	}
	return clamp(minLiq/liquidityTargetUSD*100, 0, 100)
}

func (m *Manager) recommendations(exposure, correlation, volatility, liquidity float64) []string {
	var recs []string
	if exposure >= 80 {
		recs = append(recs, "reduce total exposure before opening new positions")
	}
	if correlation >= 50 {
		recs = append(recs, "positions are highly correlated; diversify or trim")
	}
	if volatility >= 60 {
		recs = append(recs, "volatility elevated; tighten stop losses")
	}
	if liquidity <= 20 {
		recs = append(recs, "thin pools detected; prefer exits over entries")
	}
	return recs
}

// raiseThresholdAlerts publishes one alert per breached limit.
func (m *Manager) raiseThresholdAlerts(a Assessment, exposures []Exposure, totalExposure, dailyPnL, drawdown float64) {
	if m.config.MaxDailyLossUSD > 0 && dailyPnL < -m.config.MaxDailyLossUSD {
		m.alert("DAILY_LOSS_LIMIT", types.AlertSeverityCritical,
			"daily loss limit breached", map[string]any{"dailyPnlUsd": dailyPnL})
	}
	if m.config.MaxDrawdownPercent > 0 && drawdown > m.config.MaxDrawdownPercent {
		m.alert("DRAWDOWN_LIMIT", types.AlertSeverityCritical,
			"max drawdown breached", map[string]any{"drawdownPct": drawdown})
	}
	if m.config.ConcentrationThreshold > 0 && totalExposure > 0 {
		for _, e := range exposures {
			pct := e.ValueUSD / totalExposure * 100
			if pct > m.config.ConcentrationThreshold {
				m.alert("CONCENTRATION_LIMIT", types.AlertSeverityWarning,
					"single token concentration too high",
					map[string]any{"token": e.TokenAddress, "sharePct": pct})
			}
		}
	}
	if a.CorrelationRisk >= 50 {
		m.alert("CORRELATION_RISK", types.AlertSeverityWarning,
			"correlated exposure elevated", map[string]any{"score": a.CorrelationRisk})
	}
	if a.ExposureScore >= 100 {
		m.alert("EXPOSURE_LIMIT", types.AlertSeverityCritical,
			"total exposure at cap", map[string]any{"totalUsd": totalExposure})
	}
}

func (m *Manager) alert(alertType string, severity types.AlertSeverity, message string, payload map[string]any) {
	m.bus.Publish(events.NewAlert(types.Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Payload:   payload,
		Timestamp: m.now(),
	}))
}

// AssessTradeRisk checks a pending decision against the single-position and
// total exposure caps before the trading coordinator commits. The arithmetic
// runs on decimals so caps behave exactly at the boundary.
func (m *Manager) AssessTradeRisk(decision types.TradeDecision) TradeGateResult {
	amount := decimal.NewFromFloat(decision.TradeAmountUSD)
	result := TradeGateResult{Approved: true}

	if m.config.MaxSinglePositionUSD > 0 {
		cap := decimal.NewFromFloat(m.config.MaxSinglePositionUSD)
		if amount.GreaterThan(cap) {
			result.Approved = false
			result.Violations = append(result.Violations, "single position cap exceeded")
		}
	}

	if m.config.MaxTotalExposureUSD > 0 {
		var total decimal.Decimal
		for _, e := range m.portfolio.OpenExposures() {
			total = total.Add(decimal.NewFromFloat(e.ValueUSD))
		}
		projected := total.Add(amount)
		cap := decimal.NewFromFloat(m.config.MaxTotalExposureUSD)
		if projected.GreaterThan(cap) {
			result.Approved = false
			result.Violations = append(result.Violations, "total exposure cap exceeded")
			projectedF, _ := projected.Float64()
			m.alert("EXPOSURE_LIMIT", types.AlertSeverityCritical,
				"trade would exceed total exposure cap",
				map[string]any{
					"token":        decision.TargetToken,
					"projectedUsd": projectedF,
					"capUsd":       m.config.MaxTotalExposureUSD,
				})
		}
	}

	if !result.Approved {
		m.logger.Warn("trade rejected by risk gate",
			zap.String("token", decision.TargetToken),
			zap.Float64("amount_usd", decision.TradeAmountUSD),
			zap.Strings("violations", result.Violations),
		)
	}
	return result
}

// RecordTradePnL feeds realized PnL into the daily-loss and drawdown
// tracking.
func (m *Manager) RecordTradePnL(pnlUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pnl := decimal.NewFromFloat(pnlUSD)
	m.dailyPnL = m.dailyPnL.Add(pnl)
	m.equity = m.equity.Add(pnl)
	if m.equity.GreaterThan(m.peakEquity) {
		m.peakEquity = m.equity
	}
}

// ResetDailyStats zeroes the daily PnL at rollover.
func (m *Manager) ResetDailyStats() {
	m.mu.Lock()
	m.dailyPnL = decimal.Zero
	m.mu.Unlock()
}

// drawdownLocked returns the percent decline from peak equity.
func (m *Manager) drawdownLocked() float64 {
	if m.peakEquity.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	dd := m.peakEquity.Sub(m.equity).Div(m.peakEquity).Mul(decimal.NewFromInt(100))
	f, _ := dd.Float64()
	return f
}

// LastAssessment returns the most recent assessment, or nil.
func (m *Manager) LastAssessment() *Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	a := *m.last
	return &a
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stddev is the sample standard deviation.
func stddev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// correlation is the Pearson correlation over the common suffix of two
// series.
func correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
