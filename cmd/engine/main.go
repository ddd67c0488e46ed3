// Package main wires the sniper engine: event bus, state machines,
// coordinators, analytics, breakers, adapters, and the status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/liquidsnipe/engine/internal/api"
	"github.com/liquidsnipe/engine/internal/blockchain"
	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/config"
	"github.com/liquidsnipe/engine/internal/coordinator"
	"github.com/liquidsnipe/engine/internal/errs"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/internal/execution"
	"github.com/liquidsnipe/engine/internal/exit"
	"github.com/liquidsnipe/engine/internal/market"
	"github.com/liquidsnipe/engine/internal/metrics"
	"github.com/liquidsnipe/engine/internal/pricefeed"
	"github.com/liquidsnipe/engine/internal/recovery"
	"github.com/liquidsnipe/engine/internal/risk"
	"github.com/liquidsnipe/engine/internal/slippage"
	"github.com/liquidsnipe/engine/internal/state"
	"github.com/liquidsnipe/engine/internal/storage"
	"github.com/liquidsnipe/engine/internal/strategy"
	"github.com/liquidsnipe/engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting sniper engine",
		zap.Bool("dry_run", cfg.DryRun),
		zap.Duration("polling_interval", cfg.PollingInterval),
	)

	if err := run(logger, cfg); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

// portfolioRef breaks the construction cycle between the risk manager and
// the position coordinator.
type portfolioRef struct {
	positions *coordinator.PositionCoordinator
}

func (p *portfolioRef) OpenExposures() []risk.Exposure {
	if p.positions == nil {
		return nil
	}
	return p.positions.OpenExposures()
}

func run(logger *zap.Logger, cfg *types.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	bus := events.NewBus(logger, events.DefaultConfig())
	system := state.NewSystemMachine(logger, bus)

	breakers := circuit.NewRegistry(logger, circuit.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		MonitoringPeriod: cfg.CircuitBreaker.MonitoringPeriod,
	})
	breakers.OnStateChange(func(change circuit.StateChange) {
		m.SetBreakerState(change.Name, string(change.To))
		kind := events.EventTypeBreakerReset
		if change.To == circuit.StateOpen {
			kind = events.EventTypeBreakerTripped
		}
		bus.Publish(events.BreakerEvent{
			BaseEvent: events.BaseEvent{Type: kind, Timestamp: change.At},
			Name:      change.Name,
			State:     string(change.To),
		})
	})

	// Storage.
	store, err := storage.Open(logger, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	system.SetComponent(func(c *state.Components) { c.Database = state.ComponentConnected })

	// Blockchain adapter.
	chain := blockchain.NewClient(logger, cfg.RPC, blockchain.DefaultPrograms())
	if err := chain.Initialize(ctx); err != nil {
		return fmt.Errorf("blockchain adapter: %w", err)
	}
	defer chain.Shutdown()
	system.SetComponent(func(c *state.Components) {
		c.RPC = state.ComponentConnected
		c.Blockchain = state.ComponentConnected
	})

	// Price feed with prioritized sources.
	feed := pricefeed.NewService(logger,
		pricefeed.NewHTTPSource("dexscreener", "https://api.dexscreener.com/latest/dex", 10*time.Second),
		pricefeed.NewHTTPSource("jupiter", "https://price.jup.ag/v6", 10*time.Second),
	)

	// Analytics.
	protector := slippage.NewProtector(logger, cfg.Slippage)
	monitor := market.NewMonitor(logger, cfg.Monitoring, bus, chain, breakers)
	portfolio := &portfolioRef{}
	riskMgr := risk.NewManager(logger, cfg.Risk, bus, portfolio, monitor)

	// Exit strategies over the monitor's windows.
	strategies, err := exit.NewFromConfig(cfg.ExitStrategies, exit.Deps{
		Liquidity: monitor.PoolLiquidity,
	})
	if err != nil {
		return err
	}

	// Execution: paper fills; live execution plugs in behind the same
	// interface.
	executor := execution.NewPaperExecutor(logger, feed, protector)

	positions := coordinator.NewPositionCoordinator(logger, coordinator.PositionConfig{
		PollingInterval:      cfg.PollingInterval,
		ConfirmationRequired: cfg.Wallet.ConfirmationRequired,
		DryRun:               cfg.DryRun,
	}, bus, feed, store, executor, strategies, monitor, breakers, riskMgr)
	portfolio.positions = positions

	engine := strategy.NewEngine(logger, cfg.TradeConfig, cfg.Wallet, feed, protector)
	trading := coordinator.NewTradingCoordinator(logger, coordinator.TradingConfig{
		DryRun:             cfg.DryRun,
		DefaultAmountUSD:   cfg.TradeConfig.DefaultTradeAmountUSD,
		RequiredBaseTokens: cfg.TradeConfig.RequiredBaseTokens,
	}, bus, engine, executor, riskMgr, breakers)

	dataMgmt := coordinator.NewDataCoordinator(logger, cfg.Database, bus, store, breakers)

	handler := errs.NewHandler(logger)
	recoverer := recovery.NewCoordinator(logger, bus, &engineActions{
		logger: logger,
		chain:  chain,
		store:  store,
		bus:    bus,
	}, handler)

	// Metrics and diagnostics subscriptions.
	wireMetrics(bus, m, positions)

	// Orderly shutdown on emergencyShutdown events.
	bus.Subscribe(events.EventTypeEmergencyShutdown, func(event events.Event) error {
		se, _ := event.(events.EmergencyShutdownEvent)
		logger.Error("emergency shutdown requested", zap.String("reason", se.Reason))
		system.Fire(state.SystemShutdownRequested, se.Reason)
		cancel()
		return nil
	})

	// Start everything.
	trading.Start(ctx)
	positions.Start(ctx)
	recoverer.Start(ctx)
	if err := positions.RestoreOpenPositions(ctx); err != nil {
		return err
	}
	go monitor.Run(ctx)
	go riskMgr.Run(ctx)
	go dataMgmt.Run(ctx)
	go pumpPools(ctx, logger, chain, bus, store, m, system)
	go runHealthLoop(ctx, bus, breakers, system, positions)

	system.SetComponent(func(c *state.Components) { c.Trading = state.ComponentConnected })
	if !system.Fire(state.SystemInitCompleted, "all components connected") {
		return errors.New("system failed readiness gate")
	}
	system.Fire(state.SystemStartRequested, "startup complete")

	var statusAPI *api.Server
	if cfg.API.Enabled {
		statusAPI = api.NewServer(logger, cfg.API, bus, system, positions, breakers, riskMgr, monitor, m)
		if err := statusAPI.Start(); err != nil {
			return err
		}
	}

	// Wait for a signal or an internal shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("signal received", zap.String("signal", sig.String()))
		system.Fire(state.SystemShutdownRequested, sig.String())
	case <-ctx.Done():
	}

	cancel()
	if statusAPI != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		statusAPI.Stop(shutdownCtx)
		shutdownCancel()
	}
	bus.Stop()
	system.Fire(state.SystemShutdownCompleted, "")
	logger.Info("engine stopped")
	return nil
}

// pumpPools forwards discovered pools from the adapter stream onto the bus.
func pumpPools(ctx context.Context, logger *zap.Logger, chain *blockchain.Client, bus *events.Bus, store *storage.Store, m *metrics.Metrics, system *state.SystemMachine) {
	for {
		select {
		case <-ctx.Done():
			return
		case pool, ok := <-chain.Pools():
			if !ok {
				return
			}
			m.PoolsDiscovered.Inc()
			if err := store.RecordPool(ctx, pool); err != nil {
				logger.Warn("record pool failed", zap.Error(err))
			}
			bus.Publish(events.NewPool(pool))
		case err, ok := <-chain.Errors():
			if !ok {
				return
			}
			te := errs.From(err, "solana", "stream")
			system.SetComponent(func(c *state.Components) { c.RPC = state.ComponentDegraded })
			bus.Publish(events.NewError(
				string(te.Category), string(te.Severity),
				te.Context.Component, te.Context.Operation,
				te.Message, te.Recoverable, te,
			))
		}
	}
}

// runHealthLoop refreshes the system health record and publishes periodic
// health updates.
func runHealthLoop(ctx context.Context, bus *events.Bus, breakers *circuit.Registry, system *state.SystemMachine, positions *coordinator.PositionCoordinator) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			system.UpdateMetrics(func(sm *state.SystemMetrics) {
				sm.OpenPositions = positions.OpenCount()
				sm.LastHealthCheck = &now
			})
			bus.Publish(events.BaseEvent{
				Type:      events.EventTypeHealthStatusUpdate,
				Timestamp: now,
			})
			if breakers.Get(circuit.BreakerRPCCalls).State() == circuit.StateOpen {
				system.SetComponent(func(c *state.Components) {
					c.RPC = state.ComponentDegraded
				})
			}
		}
	}
}

// wireMetrics keeps the prometheus gauges in step with bus traffic.
func wireMetrics(bus *events.Bus, m *metrics.Metrics, positions *coordinator.PositionCoordinator) {
	bus.Subscribe(events.EventTypeTradeResult, func(event events.Event) error {
		re, ok := event.(events.TradeResultEvent)
		if !ok {
			return nil
		}
		outcome := "failure"
		if re.Result.Success {
			outcome = "success"
		}
		m.TradesExecuted.WithLabelValues(outcome).Inc()
		return nil
	})
	bus.Subscribe(events.EventTypePositionUpdate, func(event events.Event) error {
		pe, ok := event.(events.PositionUpdateEvent)
		if !ok {
			return nil
		}
		if pe.Closed {
			m.PositionsClosed.Inc()
			m.RealizedPnLUSD.Add(pe.PnLUSD)
		}
		m.OpenPositions.Set(float64(positions.OpenCount()))
		return nil
	})
	bus.Subscribe(events.EventTypeError, func(event events.Event) error {
		ee, ok := event.(events.ErrorEvent)
		if !ok {
			return nil
		}
		m.ErrorsTotal.WithLabelValues(ee.Category).Inc()
		return nil
	})
	bus.Subscribe(events.EventTypeCycleComplete, func(event events.Event) error {
		stats := bus.GetStats()
		m.EventsPublished.Set(float64(stats.EventsPublished))
		m.EventsDropped.Set(float64(stats.EventsDropped))
		return nil
	})
}

// engineActions implements the recovery effectors over the real adapters.
type engineActions struct {
	logger *zap.Logger
	chain  *blockchain.Client
	store  *storage.Store
	bus    *events.Bus
}

func (a *engineActions) Reconnect(ctx context.Context) error {
	return a.chain.Reconnect(ctx)
}

func (a *engineActions) Failover(ctx context.Context) error {
	// Single RPC endpoint deployment: nothing to fail over to.
	return errors.New("no failover endpoint configured")
}

func (a *engineActions) RestartComponent(ctx context.Context, component string) error {
	switch {
	case strings.Contains(component, "solana"), strings.Contains(component, "rpc"):
		a.chain.Shutdown()
		return a.chain.Initialize(ctx)
	case strings.Contains(component, "data"), strings.Contains(component, "position"):
		return a.store.Ping(ctx)
	default:
		return fmt.Errorf("component %s cannot be restarted in-process", component)
	}
}

func (a *engineActions) Retry(ctx context.Context, e *errs.TradingError) error {
	switch e.Category {
	case errs.CategoryDatabase:
		return a.store.Ping(ctx)
	default:
		// The failed operation is not replayable from here; report failure
		// so the plan escalates.
		return fmt.Errorf("retry unavailable for %s.%s", e.Context.Component, e.Context.Operation)
	}
}

func (a *engineActions) Shutdown(ctx context.Context) error {
	a.bus.Publish(events.NewEmergencyShutdown("recovery plan requested shutdown"))
	return nil
}

// setupLogger builds the root zap logger at the configured level.
func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
