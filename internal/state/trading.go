package state

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TradingState is one step in a trade workflow's lifecycle.
type TradingState string

const (
	TradingIdle           TradingState = "IDLE"
	TradingEvaluatingPool TradingState = "EVALUATING_POOL"
	TradingPreparingTrade TradingState = "PREPARING_TRADE"
	TradingExecutingTrade TradingState = "EXECUTING_TRADE"
	TradingConfirming     TradingState = "CONFIRMING_TRADE"
	TradingCompleted      TradingState = "TRADE_COMPLETED"
	TradingFailed         TradingState = "TRADE_FAILED"
	TradingError          TradingState = "ERROR"
)

// Terminal reports whether the state only leaves via RESET.
func (s TradingState) Terminal() bool {
	return s == TradingCompleted || s == TradingFailed || s == TradingError
}

// TradingTrigger is an input to the trading machine.
type TradingTrigger string

const (
	TradingPoolDetected        TradingTrigger = "POOL_DETECTED"
	TradingEvaluationCompleted TradingTrigger = "EVALUATION_COMPLETED"
	TradingTradePrepared       TradingTrigger = "TRADE_PREPARED"
	TradingTradeSubmitted      TradingTrigger = "TRADE_SUBMITTED"
	TradingTradeConfirmed      TradingTrigger = "TRADE_CONFIRMED"
	TradingPrepareFailed       TradingTrigger = "PREPARE_FAILED"
	TradingSubmitFailed        TradingTrigger = "SUBMIT_FAILED"
	TradingConfirmFailed       TradingTrigger = "CONFIRM_FAILED"
	TradingTradeTimeout        TradingTrigger = "TRADE_TIMEOUT"
	TradingErrorOccurred       TradingTrigger = "ERROR_OCCURRED"
	TradingReset               TradingTrigger = "RESET"
)

// TradingContext is the mutable context of one trade workflow.
type TradingContext struct {
	PoolAddress          string     `json:"poolAddress,omitempty"`
	TokenAddress         string     `json:"tokenAddress,omitempty"`
	TradeAmount          float64    `json:"tradeAmount,omitempty"`
	TransactionSignature string     `json:"transactionSignature,omitempty"`
	Error                string     `json:"error,omitempty"`
	StartTime            *time.Time `json:"startTime,omitempty"`
	LastTransition       *time.Time `json:"lastTransition,omitempty"`
}

const tradingHistoryLimit = 100

// TradingMachine drives one pool candidate from detection to a terminal
// state. Every method takes the machine's mutex, so each single call is
// atomic; a sequence of calls is not.
type TradingMachine struct {
	mu      sync.Mutex
	state   TradingState
	ctx     TradingContext
	history *historyRing
	logger  *zap.Logger
	now     func() time.Time
}

// NewTradingMachine creates a machine in IDLE.
func NewTradingMachine(logger *zap.Logger, workflowID string) *TradingMachine {
	return &TradingMachine{
		state:   TradingIdle,
		history: newHistoryRing(tradingHistoryLimit),
		logger:  logger.Named("trading-fsm").With(zap.String("workflow_id", workflowID)),
		now:     time.Now,
	}
}

// State returns the current state.
func (m *TradingMachine) State() TradingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the workflow context.
func (m *TradingMachine) Context() TradingContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// UpdateContext mutates the context under the machine lock.
func (m *TradingMachine) UpdateContext(fn func(*TradingContext)) {
	m.mu.Lock()
	fn(&m.ctx)
	m.mu.Unlock()
}

// Fire attempts a transition and reports whether it was accepted. Guard:
// EVALUATION_COMPLETED advances to PREPARING_TRADE only when the context
// carries a token and a positive amount, and falls back to IDLE otherwise.
func (m *TradingMachine) Fire(trigger TradingTrigger, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	var to TradingState

	switch trigger {
	case TradingPoolDetected:
		if from != TradingIdle {
			return false
		}
		to = TradingEvaluatingPool
		t := m.now()
		m.ctx.StartTime = &t
	case TradingEvaluationCompleted:
		if from != TradingEvaluatingPool {
			return false
		}
		if m.ctx.TokenAddress != "" && m.ctx.TradeAmount > 0 {
			to = TradingPreparingTrade
		} else {
			to = TradingIdle
		}
	case TradingTradePrepared:
		if from != TradingPreparingTrade {
			return false
		}
		to = TradingExecutingTrade
	case TradingTradeSubmitted:
		if from != TradingExecutingTrade {
			return false
		}
		to = TradingConfirming
	case TradingTradeConfirmed:
		if from != TradingConfirming {
			return false
		}
		to = TradingCompleted
	case TradingPrepareFailed:
		if from != TradingPreparingTrade {
			return false
		}
		to = TradingFailed
	case TradingSubmitFailed:
		if from != TradingExecutingTrade {
			return false
		}
		to = TradingFailed
	case TradingConfirmFailed, TradingTradeTimeout:
		if from != TradingConfirming {
			return false
		}
		to = TradingFailed
	case TradingErrorOccurred:
		if from.Terminal() {
			return false
		}
		to = TradingError
		m.ctx.Error = reason
	case TradingReset:
		if !from.Terminal() {
			return false
		}
		to = TradingIdle
		m.ctx = TradingContext{}
	default:
		return false
	}

	m.applyLocked(from, to, string(trigger), reason, false)
	return true
}

// ForceState bypasses guards for operator intervention.
func (m *TradingMachine) ForceState(to TradingState, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(m.state, to, "", reason, true)
}

func (m *TradingMachine) applyLocked(from, to TradingState, trigger, reason string, forced bool) {
	m.state = to
	t := m.now()
	m.ctx.LastTransition = &t
	m.history.append(HistoryEntry{
		From:      string(from),
		To:        string(to),
		Trigger:   trigger,
		Reason:    reason,
		Forced:    forced,
		Timestamp: t,
	})
	m.logger.Debug("transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", trigger),
	)
}

// History returns a copy of the transition log.
func (m *TradingMachine) History() []HistoryEntry {
	return m.history.snapshot()
}
