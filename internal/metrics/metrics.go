// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	PoolsDiscovered  prometheus.Counter
	TradesExecuted   *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
	PositionsClosed  prometheus.Counter
	RealizedPnLUSD   prometheus.Gauge
	RiskScore        prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	EventsPublished  prometheus.Gauge
	EventsDropped    prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		PoolsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_pools_discovered_total",
			Help: "New liquidity pools observed.",
		}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_total",
			Help: "Trade executions by outcome.",
		}, []string{"outcome"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently open positions.",
		}),
		PositionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_positions_closed_total",
			Help: "Positions closed since start.",
		}),
		RealizedPnLUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD.",
		}),
		RiskScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_risk_score",
			Help: "Latest overall risk score (0-100).",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_circuit_breaker_state",
			Help: "Breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),
		EventsPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_bus_events_published",
			Help: "Events published on the bus.",
		}),
		EventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_bus_events_dropped",
			Help: "Events dropped by the bus.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_errors_total",
			Help: "Errors by category.",
		}, []string{"category"}),
	}

	reg.MustRegister(
		m.PoolsDiscovered, m.TradesExecuted, m.OpenPositions,
		m.PositionsClosed, m.RealizedPnLUSD, m.RiskScore,
		m.BreakerState, m.EventsPublished, m.EventsDropped, m.ErrorsTotal,
	)
	return m
}

// SetBreakerState records a breaker's state as a numeric gauge.
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}
