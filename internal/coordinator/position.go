package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/errs"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/internal/exit"
	"github.com/liquidsnipe/engine/internal/market"
	"github.com/liquidsnipe/engine/internal/position"
	"github.com/liquidsnipe/engine/internal/risk"
	"github.com/liquidsnipe/engine/pkg/types"
)

// PositionConfig tunes the position coordinator.
type PositionConfig struct {
	PollingInterval      time.Duration
	ConfirmationRequired bool
	DryRun               bool
}

// PositionCoordinator owns the positionID → machine map, drives the periodic
// monitoring cycle, and processes exit requests.
type PositionCoordinator struct {
	logger     *zap.Logger
	config     PositionConfig
	bus        *events.Bus
	feed       PriceFeed
	repo       PositionRepository
	executor   TradeExecutor
	strategies []exit.Strategy
	monitor    *market.Monitor
	breakers   *circuit.Registry
	gate       RiskGate

	mu        sync.RWMutex
	positions map[string]*position.Machine

	now func() time.Time
}

// NewPositionCoordinator creates the coordinator.
func NewPositionCoordinator(
	logger *zap.Logger,
	config PositionConfig,
	bus *events.Bus,
	feed PriceFeed,
	repo PositionRepository,
	executor TradeExecutor,
	strategies []exit.Strategy,
	monitor *market.Monitor,
	breakers *circuit.Registry,
	gate RiskGate,
) *PositionCoordinator {
	if config.PollingInterval <= 0 {
		config.PollingInterval = time.Second
	}
	return &PositionCoordinator{
		logger:     logger.Named("position-coordinator"),
		config:     config,
		bus:        bus,
		feed:       feed,
		repo:       repo,
		executor:   executor,
		strategies: strategies,
		monitor:    monitor,
		breakers:   breakers,
		gate:       gate,
		positions:  make(map[string]*position.Machine),
		now:        time.Now,
	}
}

// Start subscribes to trade results and exit requests and launches the
// monitoring loop.
func (c *PositionCoordinator) Start(ctx context.Context) {
	c.bus.Subscribe(events.EventTypeTradeResult, func(event events.Event) error {
		re, ok := event.(events.TradeResultEvent)
		if !ok || !re.Result.Success {
			return nil
		}
		c.openPosition(ctx, re.Decision, re.Result)
		return nil
	})
	c.bus.Subscribe(events.EventTypeExitRequest, func(event events.Event) error {
		ee, ok := event.(events.ExitRequestEvent)
		if !ok {
			return nil
		}
		c.HandleExitRequest(ctx, ee.Request)
		return nil
	})

	go c.runMonitorLoop(ctx)
}

// RestoreOpenPositions rebuilds machines for positions persisted as open.
// Called once during startup, before the monitoring loop observes anything.
func (c *PositionCoordinator) RestoreOpenPositions(ctx context.Context) error {
	open, err := c.repo.GetOpenPositions(ctx)
	if err != nil {
		return errs.New(errs.CategoryDatabase, "position-coordinator", "getOpenPositions", err)
	}
	for _, pos := range open {
		machine := position.NewMachine(c.logger, position.Context{
			PositionID:     pos.ID,
			TokenAddress:   pos.TokenAddress,
			PoolAddress:    pos.PoolAddress,
			EntryPrice:     pos.EntryPrice,
			Amount:         pos.Amount,
			EntryTimestamp: pos.EntryTimestamp,
		})
		machine.Fire(position.TriggerPositionOpened, position.Input{Reason: "restored from storage"})
		c.mu.Lock()
		c.positions[pos.ID] = machine
		c.mu.Unlock()
	}
	if len(open) > 0 {
		c.logger.Info("restored open positions", zap.Int("count", len(open)))
	}
	return nil
}

// openPosition creates a machine for a successful trade and persists it.
func (c *PositionCoordinator) openPosition(ctx context.Context, decision types.TradeDecision, result types.TradeResult) {
	entry := c.now()
	pos := types.Position{
		ID:             result.PositionID,
		TokenAddress:   decision.TargetToken,
		PoolAddress:    decision.PoolAddress,
		EntryPrice:     decision.Price,
		Amount:         decision.TradeAmountUSD,
		EntryTradeID:   result.TradeID,
		EntryTimestamp: entry,
		Open:           true,
	}

	machine := position.NewMachine(c.logger, position.Context{
		PositionID:     pos.ID,
		TokenAddress:   pos.TokenAddress,
		PoolAddress:    pos.PoolAddress,
		EntryPrice:     pos.EntryPrice,
		Amount:         pos.Amount,
		EntryTimestamp: entry,
	})
	machine.Fire(position.TriggerPositionOpened, position.Input{Reason: "trade " + result.TradeID})

	c.mu.Lock()
	if _, exists := c.positions[pos.ID]; exists {
		c.mu.Unlock()
		return
	}
	c.positions[pos.ID] = machine
	c.mu.Unlock()

	if !c.config.DryRun {
		if err := c.repo.AddPosition(ctx, pos); err != nil {
			c.publishError(errs.New(errs.CategoryDatabase, "position-coordinator", "addPosition", err))
		}
	}

	c.logger.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("token", pos.TokenAddress),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("amount_usd", pos.Amount),
	)
	c.publishUpdate(machine)
}

// runMonitorLoop ticks the monitoring cycle at the polling interval.
func (c *PositionCoordinator) runMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := c.now()
			c.MonitorCycle(ctx)
			c.bus.Publish(events.CycleCompleteEvent{
				BaseEvent: events.BaseEvent{Type: events.EventTypeCycleComplete, Timestamp: c.now()},
				Cycle:     "position-monitor",
				Duration:  c.now().Sub(start),
			})
		}
	}
}

// MonitorCycle refreshes prices, evaluates exit strategies, and advances any
// position whose exit pipeline is pending.
func (c *PositionCoordinator) MonitorCycle(ctx context.Context) {
	for _, machine := range c.snapshotMachines() {
		switch machine.State() {
		case position.StateMonitoring, position.StatePaused:
			c.tick(ctx, machine)
		case position.StateExitPending:
			c.approveExit(ctx, machine)
		}
	}
}

// tick handles one position's monitoring step.
func (c *PositionCoordinator) tick(ctx context.Context, machine *position.Machine) {
	_, pctx := machine.Snapshot()

	var price *types.PriceData
	breaker := c.breakers.Get(circuit.BreakerPriceFeed)
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		var feedErr error
		price, feedErr = c.feed.GetTokenPrice(ctx, pctx.TokenAddress)
		return feedErr
	})
	if err != nil {
		c.publishError(errs.New(errs.CategoryConnection, "position-coordinator", "getTokenPrice", err))
		return
	}
	if price == nil {
		return
	}

	if machine.UpdatePrice(price.PriceUSD) {
		c.monitor.RecordPrice(pctx.TokenAddress, price.PriceUSD, 0)
	}

	if pool, err := c.feed.GetPoolLiquidity(ctx, pctx.PoolAddress); err == nil && pool != nil {
		c.monitor.RecordLiquidity(pctx.PoolAddress, pool.LiquidityUSD)
	}

	// Paused positions keep fresh prices but never trigger exits.
	if machine.State() != position.StateMonitoring {
		return
	}

	_, fresh := machine.Snapshot()
	if sig := exit.Evaluate(c.strategies, fresh, c.now()); sig != nil {
		if machine.Fire(position.TriggerExitConditionMet, position.Input{Reason: sig.Reason}) {
			c.logger.Info("exit condition met",
				zap.String("position_id", machine.ID()),
				zap.String("reason", sig.Reason),
				zap.String("urgency", string(sig.Urgency)),
			)
			if sig.Urgency == types.ExitUrgencyImmediate {
				c.bus.Publish(events.NewExitRequest(types.ExitRequest{
					PositionID: machine.ID(),
					Reason:     sig.Reason,
					Urgency:    types.ExitUrgencyHigh,
					Timestamp:  c.now(),
				}))
			}
		}
	}
	c.publishUpdate(machine)
}

// approveExit advances EXIT_PENDING positions. With confirmation required
// the position stays pending until a manual exit request arrives.
func (c *PositionCoordinator) approveExit(ctx context.Context, machine *position.Machine) {
	if c.config.ConfirmationRequired {
		return
	}
	if !machine.Fire(position.TriggerExitApproved, position.Input{}) {
		return
	}
	c.executeExit(ctx, machine, types.ExitUrgencyMedium)
}

// executeExit runs the sell leg and closes the machine.
func (c *PositionCoordinator) executeExit(ctx context.Context, machine *position.Machine, urgency types.ExitUrgency) {
	_, pctx := machine.Snapshot()
	pos := types.Position{
		ID:           pctx.PositionID,
		TokenAddress: pctx.TokenAddress,
		PoolAddress:  pctx.PoolAddress,
		EntryPrice:   pctx.EntryPrice,
		Amount:       pctx.Amount,
	}

	var result types.TradeResult
	if c.config.DryRun {
		result = types.TradeResult{
			Success:   true,
			TradeID:   types.DryRunTradeID,
			Signature: types.DryRunSignature,
			Timestamp: c.now(),
		}
	} else {
		var err error
		breaker := c.breakers.Get(circuit.BreakerTradeExec)
		err = breaker.Execute(ctx, func(ctx context.Context) error {
			var execErr error
			result, execErr = c.executor.ExecuteExit(ctx, pos, urgency)
			return execErr
		})
		if err != nil {
			machine.Fire(position.TriggerExitFailed, position.Input{Err: err})
			c.publishError(errs.New(errs.CategoryTradingExecution, "position-coordinator", "executeExit", err))
			return
		}
		if !result.Success {
			machine.Fire(position.TriggerExitFailed, position.Input{Reason: result.Error})
			return
		}
	}

	if !machine.Fire(position.TriggerExitCompleted, position.Input{}) {
		// Already closed by a racing path; nothing more to do.
		return
	}

	_, final := machine.Snapshot()
	exitTs := c.now()
	if final.ExitTimestamp != nil {
		exitTs = *final.ExitTimestamp
	}
	if !c.config.DryRun {
		if err := c.repo.ClosePosition(ctx, pos.ID, result.TradeID, exitTs, final.PnLUSD, final.PnLPercent); err != nil {
			c.publishError(errs.New(errs.CategoryDatabase, "position-coordinator", "closePosition", err))
		}
	}
	c.gate.RecordTradePnL(final.PnLUSD)

	c.logger.Info("position closed",
		zap.String("position_id", pos.ID),
		zap.String("reason", final.ExitReason),
		zap.Float64("pnl_usd", final.PnLUSD),
		zap.Float64("pnl_pct", final.PnLPercent),
	)
	c.publishUpdate(machine)
	c.forget(pos.ID)
}

// HandleExitRequest processes a manual or strategy-escalated exit request.
// Idempotent across repeated requests for the same position.
func (c *PositionCoordinator) HandleExitRequest(ctx context.Context, req types.ExitRequest) bool {
	machine := c.Machine(req.PositionID)
	if machine == nil {
		return false
	}

	switch machine.State() {
	case position.StateClosed:
		return false
	case position.StateExiting:
		return true
	case position.StateExitPending:
		// Already pending; approve immediately on explicit request.
		if machine.Fire(position.TriggerExitApproved, position.Input{}) {
			c.executeExit(ctx, machine, req.Urgency)
		}
		return true
	default:
		if !machine.Fire(position.TriggerManualExit, position.Input{Reason: req.Reason}) {
			return false
		}
		if machine.Fire(position.TriggerExitApproved, position.Input{}) {
			c.executeExit(ctx, machine, req.Urgency)
		}
		return true
	}
}

// Pause moves a monitoring position to PAUSED.
func (c *PositionCoordinator) Pause(positionID string) bool {
	machine := c.Machine(positionID)
	if machine == nil {
		return false
	}
	return machine.Fire(position.TriggerPauseRequested, position.Input{})
}

// Resume moves a paused position back to MONITORING.
func (c *PositionCoordinator) Resume(positionID string) bool {
	machine := c.Machine(positionID)
	if machine == nil {
		return false
	}
	return machine.Fire(position.TriggerResumeRequested, position.Input{})
}

// OpenExposures implements risk.PortfolioSource: current value of every open
// position.
func (c *PositionCoordinator) OpenExposures() []risk.Exposure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]risk.Exposure, 0, len(c.positions))
	for _, machine := range c.positions {
		st, pctx := machine.Snapshot()
		if st == position.StateClosed {
			continue
		}
		out = append(out, risk.Exposure{
			TokenAddress: pctx.TokenAddress,
			PoolAddress:  pctx.PoolAddress,
			ValueUSD:     pctx.Amount + pctx.PnLUSD,
		})
	}
	return out
}

// OpenCount returns the number of tracked machines not yet closed.
func (c *PositionCoordinator) OpenCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, machine := range c.positions {
		if machine.State() != position.StateClosed {
			n++
		}
	}
	return n
}

// Machine returns the machine for a position id, or nil.
func (c *PositionCoordinator) Machine(positionID string) *position.Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions[positionID]
}

// Snapshots returns the state and context of every tracked position.
func (c *PositionCoordinator) Snapshots() map[string]position.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]position.Context, len(c.positions))
	for id, machine := range c.positions {
		_, pctx := machine.Snapshot()
		out[id] = pctx
	}
	return out
}

func (c *PositionCoordinator) snapshotMachines() []*position.Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*position.Machine, 0, len(c.positions))
	for _, m := range c.positions {
		out = append(out, m)
	}
	return out
}

func (c *PositionCoordinator) forget(positionID string) {
	c.mu.Lock()
	delete(c.positions, positionID)
	c.mu.Unlock()
	for _, s := range c.strategies {
		if ps, ok := s.(*exit.ProfitStrategy); ok {
			ps.Forget(positionID)
		}
	}
}

func (c *PositionCoordinator) publishUpdate(machine *position.Machine) {
	st, pctx := machine.Snapshot()
	c.bus.Publish(events.PositionUpdateEvent{
		BaseEvent:    events.BaseEvent{Type: events.EventTypePositionUpdate, Timestamp: c.now()},
		PositionID:   pctx.PositionID,
		TokenAddress: pctx.TokenAddress,
		State:        st.String(),
		CurrentPrice: pctx.CurrentPrice,
		PnLPercent:   pctx.PnLPercent,
		PnLUSD:       pctx.PnLUSD,
		Closed:       st == position.StateClosed,
	})
}

func (c *PositionCoordinator) publishError(te *errs.TradingError) {
	c.bus.Publish(events.NewError(
		string(te.Category), string(te.Severity),
		te.Context.Component, te.Context.Operation,
		te.Message, te.Recoverable, te,
	))
}
