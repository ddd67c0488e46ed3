package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/errs"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/internal/state"
	"github.com/liquidsnipe/engine/pkg/types"
)

// confirmationTimeout bounds how long a submitted trade may wait for
// confirmation before it fails with TRADE_TIMEOUT.
const confirmationTimeout = 30 * time.Second

// TradingConfig tunes the trading coordinator.
type TradingConfig struct {
	DryRun             bool
	DefaultAmountUSD   float64
	RequiredBaseTokens []string
}

// TradingCoordinator drives each NewPoolEvent through evaluation and, when
// approved, execution. It owns the per-workflow trading machines.
type TradingCoordinator struct {
	logger   *zap.Logger
	config   TradingConfig
	bus      *events.Bus
	strategy StrategyEngine
	executor TradeExecutor
	gate     RiskGate
	breakers *circuit.Registry

	mu         sync.Mutex
	workflows  map[string]*state.TradingMachine
	tokenIndex map[string]string // tokenAddress → workflowID
	seen       map[string]struct{}

	now func() time.Time
}

// NewTradingCoordinator creates the coordinator.
func NewTradingCoordinator(
	logger *zap.Logger,
	config TradingConfig,
	bus *events.Bus,
	strategy StrategyEngine,
	executor TradeExecutor,
	gate RiskGate,
	breakers *circuit.Registry,
) *TradingCoordinator {
	return &TradingCoordinator{
		logger:     logger.Named("trading-coordinator"),
		config:     config,
		bus:        bus,
		strategy:   strategy,
		executor:   executor,
		gate:       gate,
		breakers:   breakers,
		workflows:  make(map[string]*state.TradingMachine),
		tokenIndex: make(map[string]string),
		seen:       make(map[string]struct{}),
		now:        time.Now,
	}
}

// Start subscribes the coordinator to its event kinds.
func (c *TradingCoordinator) Start(ctx context.Context) {
	c.bus.Subscribe(events.EventTypeNewPool, func(event events.Event) error {
		pe, ok := event.(events.NewPoolEvent)
		if !ok {
			return nil
		}
		c.handleNewPool(ctx, pe.Pool)
		return nil
	})
	c.bus.Subscribe(events.EventTypeTradeDecision, func(event events.Event) error {
		de, ok := event.(events.TradeDecisionEvent)
		if !ok {
			return nil
		}
		c.handleTradeDecision(ctx, de.WorkflowID, de.Decision)
		return nil
	})
	c.bus.Subscribe(events.EventTypeTradeResult, func(event events.Event) error {
		re, ok := event.(events.TradeResultEvent)
		if !ok {
			return nil
		}
		c.handleTradeResult(re.WorkflowID, re.Result)
		return nil
	})
}

// workflowID derives the stable workflow key for a pool event.
func workflowID(signature string) string {
	return "pool_" + signature
}

// handleNewPool runs the evaluation leg of the workflow.
func (c *TradingCoordinator) handleNewPool(ctx context.Context, pool types.NewPoolEvent) {
	id := workflowID(pool.Signature)

	c.mu.Lock()
	if _, dup := c.seen[pool.Signature]; dup {
		c.mu.Unlock()
		c.logger.Debug("duplicate pool event ignored",
			zap.String("signature", pool.Signature),
		)
		return
	}
	c.seen[pool.Signature] = struct{}{}
	machine := state.NewTradingMachine(c.logger, id)
	c.workflows[id] = machine
	c.mu.Unlock()

	machine.UpdateContext(func(tc *state.TradingContext) {
		tc.PoolAddress = pool.PoolAddress
	})
	machine.Fire(state.TradingPoolDetected, "new pool "+pool.PoolAddress)

	decision, err := c.strategy.EvaluatePool(ctx, pool)
	if err != nil {
		c.failWorkflow(id, machine, err)
		return
	}

	if decision == nil || !decision.ShouldTrade {
		// Guard routes EVALUATION_COMPLETED back to IDLE; the workflow
		// deletes itself in the same step.
		machine.Fire(state.TradingEvaluationCompleted, "no trade")
		c.cleanup(id)
		c.logger.Debug("pool passed over",
			zap.String("pool", pool.PoolAddress),
		)
		return
	}

	machine.UpdateContext(func(tc *state.TradingContext) {
		tc.TokenAddress = decision.TargetToken
		tc.TradeAmount = decision.TradeAmountUSD
	})
	if !machine.Fire(state.TradingEvaluationCompleted, decision.Reason) {
		c.cleanup(id)
		return
	}

	if gate := c.gate.AssessTradeRisk(*decision); !gate.Approved {
		machine.Fire(state.TradingPrepareFailed, fmt.Sprintf("risk gate: %v", gate.Violations))
		c.publishResult(id, *decision, types.TradeResult{
			Success:   false,
			Error:     fmt.Sprintf("rejected by risk gate: %v", gate.Violations),
			Timestamp: c.now(),
		})
		return
	}

	c.mu.Lock()
	c.tokenIndex[decision.TargetToken] = id
	c.mu.Unlock()

	c.bus.Publish(events.NewTradeDecision(id, *decision))
}

// handleTradeDecision runs the execution leg.
func (c *TradingCoordinator) handleTradeDecision(ctx context.Context, id string, decision types.TradeDecision) {
	machine := c.machine(id)
	if machine == nil {
		return
	}

	if !machine.Fire(state.TradingTradePrepared, "") {
		return
	}

	if c.config.DryRun {
		machine.Fire(state.TradingTradeSubmitted, "dry run")
		machine.Fire(state.TradingTradeConfirmed, "dry run")
		c.publishResult(id, decision, types.TradeResult{
			Success:    true,
			Signature:  types.DryRunSignature,
			TradeID:    types.DryRunTradeID,
			PositionID: types.DryRunPositionID,
			Timestamp:  c.now(),
		})
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	var result types.TradeResult
	breaker := c.breakers.Get(circuit.BreakerTradeExec)
	err := breaker.Execute(execCtx, func(ctx context.Context) error {
		machine.Fire(state.TradingTradeSubmitted, "")
		var execErr error
		result, execErr = c.executor.ExecuteTrade(ctx, decision)
		return execErr
	})

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		if !machine.Fire(state.TradingTradeTimeout, "confirmation timeout") {
			machine.Fire(state.TradingSubmitFailed, "confirmation timeout")
		}
		c.publishResult(id, decision, types.TradeResult{
			Success:   false,
			Error:     "trade confirmation timed out",
			Timestamp: c.now(),
		})
	case err != nil:
		// Submission already moved the machine to CONFIRMING when the
		// executor was actually reached; a breaker rejection leaves it in
		// EXECUTING_TRADE.
		if !machine.Fire(state.TradingSubmitFailed, err.Error()) {
			machine.Fire(state.TradingConfirmFailed, err.Error())
		}
		c.publishError(errs.New(errs.CategoryTradingExecution, "trading-coordinator", "executeTrade", err))
		c.publishResult(id, decision, types.TradeResult{
			Success:   false,
			Error:     err.Error(),
			Timestamp: c.now(),
		})
	case !result.Success:
		machine.Fire(state.TradingConfirmFailed, result.Error)
		c.publishResult(id, decision, result)
	default:
		if result.TradeID == "" {
			result.TradeID = uuid.New().String()
		}
		if result.PositionID == "" {
			result.PositionID = uuid.New().String()
		}
		machine.UpdateContext(func(tc *state.TradingContext) {
			tc.TransactionSignature = result.Signature
		})
		machine.Fire(state.TradingTradeConfirmed, "")
		c.publishResult(id, decision, result)
	}
}

// handleTradeResult finishes the workflow and releases the machine.
func (c *TradingCoordinator) handleTradeResult(id string, result types.TradeResult) {
	machine := c.machine(id)
	if machine == nil {
		return
	}
	if result.Success {
		c.logger.Info("trade workflow completed",
			zap.String("workflow_id", id),
			zap.String("position_id", result.PositionID),
			zap.String("signature", result.Signature),
		)
	} else {
		c.logger.Warn("trade workflow failed",
			zap.String("workflow_id", id),
			zap.String("error", result.Error),
		)
	}
	c.cleanup(id)
}

// failWorkflow transitions the machine to a failed terminal and reports.
func (c *TradingCoordinator) failWorkflow(id string, machine *state.TradingMachine, err error) {
	machine.Fire(state.TradingErrorOccurred, err.Error())
	c.publishError(errs.New(errs.CategoryAnalytics, "trading-coordinator", "evaluatePool", err))
	c.publishResult(id, types.TradeDecision{}, types.TradeResult{
		Success:   false,
		Error:     err.Error(),
		Timestamp: c.now(),
	})
}

func (c *TradingCoordinator) publishResult(id string, decision types.TradeDecision, result types.TradeResult) {
	c.bus.Publish(events.NewTradeResult(id, decision, result))
}

func (c *TradingCoordinator) publishError(te *errs.TradingError) {
	c.bus.Publish(events.NewError(
		string(te.Category), string(te.Severity),
		te.Context.Component, te.Context.Operation,
		te.Message, te.Recoverable, te,
	))
}

func (c *TradingCoordinator) machine(id string) *state.TradingMachine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workflows[id]
}

// FindWorkflowByToken resolves the workflow currently trading a token via
// the token index.
func (c *TradingCoordinator) FindWorkflowByToken(tokenAddress string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.tokenIndex[tokenAddress]
	return id, ok
}

// ActiveWorkflows returns the number of live workflows.
func (c *TradingCoordinator) ActiveWorkflows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workflows)
}

// cleanup drops the workflow machine and its token index entry.
func (c *TradingCoordinator) cleanup(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workflows, id)
	for token, wid := range c.tokenIndex {
		if wid == id {
			delete(c.tokenIndex, token)
		}
	}
}
