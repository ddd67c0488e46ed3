package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/pkg/types"
)

// ChainSource is the slice of the blockchain adapter the monitor needs.
type ChainSource interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetRecentPerformanceSamples(ctx context.Context, limit int) ([]types.PerformanceSample, error)
}

// tokenSeries groups a token's rolling windows.
type tokenSeries struct {
	price  *RollingSeries
	volume *RollingSeries
}

// poolSeries tracks a pool's liquidity window plus the level first observed.
type poolSeries struct {
	liquidity  *RollingSeries
	initialUSD float64
}

// Monitor owns the rolling windows and the periodic analysis cycle. All
// RPC-touching work runs under the rpc-calls circuit breaker.
type Monitor struct {
	logger   *zap.Logger
	config   types.MonitoringConfig
	bus      *events.Bus
	chain    ChainSource
	breakers *circuit.Registry

	mu        sync.RWMutex
	tokens    map[string]*tokenSeries
	pools     map[string]*poolSeries
	slotTimes *RollingSeries
	condition *types.MarketCondition

	now func() time.Time
}

// NewMonitor creates a market monitor.
func NewMonitor(logger *zap.Logger, config types.MonitoringConfig, bus *events.Bus, chain ChainSource, breakers *circuit.Registry) *Monitor {
	if config.HistoricalDataWindow <= 0 {
		config.HistoricalDataWindow = 30 * time.Minute
	}
	if config.ExpectedSlotTime <= 0 {
		config.ExpectedSlotTime = 400 * time.Millisecond
	}
	return &Monitor{
		logger:    logger.Named("market-monitor"),
		config:    config,
		bus:       bus,
		chain:     chain,
		breakers:  breakers,
		tokens:    make(map[string]*tokenSeries),
		pools:     make(map[string]*poolSeries),
		slotTimes: NewRollingSeries(config.HistoricalDataWindow),
		now:       time.Now,
	}
}

// RecordPrice feeds a token price/volume observation into the windows.
func (m *Monitor) RecordPrice(tokenAddress string, priceUSD, volumeUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tokens[tokenAddress]
	if !ok {
		ts = &tokenSeries{
			price:  NewRollingSeries(m.config.HistoricalDataWindow),
			volume: NewRollingSeries(m.config.HistoricalDataWindow),
		}
		m.tokens[tokenAddress] = ts
	}
	now := m.now()
	ts.price.Add(priceUSD, now)
	if volumeUSD > 0 {
		ts.volume.Add(volumeUSD, now)
	}
}

// RecordLiquidity feeds a pool liquidity observation. The first observation
// becomes the pool's baseline.
func (m *Monitor) RecordLiquidity(poolAddress string, liquidityUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.pools[poolAddress]
	if !ok {
		ps = &poolSeries{
			liquidity:  NewRollingSeries(m.config.HistoricalDataWindow),
			initialUSD: liquidityUSD,
		}
		m.pools[poolAddress] = ps
	}
	ps.liquidity.Add(liquidityUSD, m.now())
}

// PoolLiquidity returns (current, initial) liquidity for a pool. Satisfies
// the exit package's liquidity hook.
func (m *Monitor) PoolLiquidity(poolAddress string) (current, initial float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, found := m.pools[poolAddress]
	if !found {
		return 0, 0, false
	}
	cur, has := ps.liquidity.Latest()
	if !has {
		return 0, 0, false
	}
	return cur, ps.initialUSD, true
}

// Returns yields a token's rolling returns. Satisfies risk.SeriesSource.
func (m *Monitor) Returns(tokenAddress string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.tokens[tokenAddress]
	if !ok {
		return nil
	}
	return ts.price.Returns()
}

// MinPoolLiquidity is the smallest tracked pool's latest liquidity.
// Satisfies risk.SeriesSource.
func (m *Monitor) MinPoolLiquidity() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var min float64
	var found bool
	for _, ps := range m.pools {
		cur, ok := ps.liquidity.Latest()
		if !ok {
			continue
		}
		if !found || cur < min {
			min = cur
			found = true
		}
	}
	return min, found
}

// Condition returns the latest market condition summary, or nil before the
// first completed cycle.
func (m *Monitor) Condition() *types.MarketCondition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.condition == nil {
		return nil
	}
	c := *m.condition
	return &c
}

// Run drives the monitoring cycle until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.config.MonitoringInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := m.now()
			if err := m.Cycle(ctx); err != nil {
				m.logger.Warn("monitoring cycle failed", zap.Error(err))
			}
			m.bus.Publish(events.CycleCompleteEvent{
				BaseEvent: events.BaseEvent{Type: events.EventTypeCycleComplete, Timestamp: m.now()},
				Cycle:     "market-monitor",
				Duration:  m.now().Sub(start),
			})
		}
	}
}

// Cycle runs one analysis pass: network sampling, per-token and per-pool
// threshold checks, condition summary, then trim.
func (m *Monitor) Cycle(ctx context.Context) error {
	congestion, err := m.sampleNetwork(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var (
		volSum, volCount  float64
		avgVolumeUSD      float64
		minLiquidity      = -1.0
	)

	for token, ts := range m.tokens {
		ts.price.Trim(now)
		ts.volume.Trim(now)

		vol := ts.price.VolatilityPct()
		if ts.price.Len() >= 2 {
			volSum += vol
			volCount++
		}
		if m.config.PriceVolatilityThreshold > 0 && vol > m.config.PriceVolatilityThreshold {
			m.alertLocked("PRICE_VOLATILITY", types.AlertSeverityWarning,
				fmt.Sprintf("price volatility %.1f%% exceeds threshold", vol),
				"", token, map[string]any{"volatilityPct": vol})
		}

		avgVolume := ts.volume.Mean()
		avgVolumeUSD += avgVolume
		if latest, ok := ts.volume.Latest(); ok && avgVolume > 0 &&
			m.config.VolumeSpikeMultiplier > 0 && latest > avgVolume*m.config.VolumeSpikeMultiplier {
			m.alertLocked("VOLUME_SPIKE", types.AlertSeverityInfo,
				fmt.Sprintf("volume spiked to %.0fx average", latest/avgVolume),
				"", token, map[string]any{"volumeUsd": latest, "avgVolumeUsd": avgVolume})
		}
	}

	for pool, ps := range m.pools {
		ps.liquidity.Trim(now)
		cur, ok := ps.liquidity.Latest()
		if !ok || ps.initialUSD <= 0 {
			continue
		}
		if minLiquidity < 0 || cur < minLiquidity {
			minLiquidity = cur
		}
		drop := (ps.initialUSD - cur) / ps.initialUSD * 100
		if m.config.LiquidityDropThreshold > 0 && drop > m.config.LiquidityDropThreshold {
			m.alertLocked("LIQUIDITY_DRAIN", types.AlertSeverityHigh,
				fmt.Sprintf("pool liquidity down %.1f%% from initial", drop),
				pool, "", map[string]any{"liquidityUsd": cur, "initialUsd": ps.initialUSD})
		}
	}

	m.slotTimes.Trim(now)

	avgVolatility := 0.0
	if volCount > 0 {
		avgVolatility = volSum / volCount
	}
	if minLiquidity < 0 {
		minLiquidity = 0
	}
	m.condition = m.summarizeLocked(avgVolatility, avgVolumeUSD, minLiquidity, congestion)
	return nil
}

// sampleNetwork fetches slot timing under the rpc-calls breaker and derives
// congestion = clamp((avgSlotTime - expected)/expected * 100, 0, 100).
func (m *Monitor) sampleNetwork(ctx context.Context) (float64, error) {
	var congestion float64
	breaker := m.breakers.Get(circuit.BreakerRPCCalls)
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		if _, err := m.chain.GetSlot(ctx); err != nil {
			return err
		}
		samples, err := m.chain.GetRecentPerformanceSamples(ctx, 5)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			return nil
		}
		var totalSecs, totalSlots float64
		for _, s := range samples {
			totalSecs += s.SamplePeriodSecs
			totalSlots += float64(s.NumSlots)
		}
		if totalSlots == 0 {
			return nil
		}
		avgSlotTime := totalSecs / totalSlots
		expected := m.config.ExpectedSlotTime.Seconds()
		congestion = clamp((avgSlotTime-expected)/expected*100, 0, 100)

		m.mu.Lock()
		m.slotTimes.Add(avgSlotTime, m.now())
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if m.config.ExpectedSlotTime > 0 && congestion > 75 {
		m.mu.Lock()
		m.alertLocked("NETWORK_CONGESTION", types.AlertSeverityWarning,
			fmt.Sprintf("network congestion at %.0f%%", congestion),
			"", "", map[string]any{"congestion": congestion})
		m.mu.Unlock()
	}
	return congestion, nil
}

// summarizeLocked folds the cycle's aggregates into a MarketCondition.
func (m *Monitor) summarizeLocked(avgVolatility, avgVolume, minLiquidity, congestion float64) *types.MarketCondition {
	band := types.VolatilityLow
	switch {
	case avgVolatility > 50:
		band = types.VolatilityExtreme
	case avgVolatility > 20:
		band = types.VolatilityHigh
	case avgVolatility > 5:
		band = types.VolatilityMedium
	}

	sentiment := types.SentimentNeutral
	var retSum float64
	var retCount int
	for _, ts := range m.tokens {
		for _, r := range ts.price.Returns() {
			retSum += r
			retCount++
		}
	}
	if retCount > 0 {
		avg := retSum / float64(retCount)
		if avg > 0.001 {
			sentiment = types.SentimentBullish
		} else if avg < -0.001 {
			sentiment = types.SentimentBearish
		}
	}

	liquidityScore := clamp(minLiquidity/liquidityScoreScale, 0, 10)

	score := avgVolatility + congestion/2 + (10-liquidityScore)*3
	level := types.RiskLevelForScore(clamp(score, 0, 100))

	action := "proceed"
	switch {
	case band == types.VolatilityExtreme || level == types.RiskLevelCritical:
		action = "halt new entries"
	case level == types.RiskLevelHigh:
		action = "reduce position sizes"
	}

	return &types.MarketCondition{
		Timestamp:         m.now(),
		Volatility:        band,
		Sentiment:         sentiment,
		LiquidityScore:    liquidityScore,
		RiskLevel:         level,
		RecommendedAction: action,
		Factors: types.MarketFactors{
			AvgVolatilityPct:  avgVolatility,
			AvgVolumeUSD:      avgVolume,
			MinLiquidityUSD:   minLiquidity,
			NetworkCongestion: congestion,
			TrackedTokens:     len(m.tokens),
		},
	}
}

// liquidityScoreScale maps $10k of min liquidity to the full 10-point score.
const liquidityScoreScale = 1000

func (m *Monitor) alertLocked(alertType string, severity types.AlertSeverity, message, pool, token string, payload map[string]any) {
	m.bus.Publish(events.NewAlert(types.Alert{
		ID:           uuid.New().String(),
		Type:         alertType,
		Severity:     severity,
		Message:      message,
		PoolAddress:  pool,
		TokenAddress: token,
		Payload:      payload,
		Timestamp:    m.now(),
	}))
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
