package position

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// historyLimit bounds the per-position transition ring.
const historyLimit = 50

// HistoryEntry is one recorded transition. Diagnostics only, never
// load-bearing.
type HistoryEntry struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Trigger   Trigger   `json:"trigger"`
	Reason    string    `json:"reason,omitempty"`
	Forced    bool      `json:"forced,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Input carries optional payload for a transition.
type Input struct {
	Reason string
	Err    error
}

// rule is one allowed (from, trigger) → to edge. noop edges report success
// without changing state or history.
type rule struct {
	to     State
	noop   bool
	action func(m *Machine, in Input, at time.Time)
}

// transitions is the full rule table. Triggers absent for a state are
// rejected; TriggerErrorOccurred is handled as a wildcard in Fire.
var transitions = map[State]map[Trigger]rule{
	StateCreated: {
		TriggerPositionOpened: {to: StateMonitoring},
	},
	StateMonitoring: {
		TriggerExitConditionMet: {to: StateExitPending, action: setExitReason},
		TriggerManualExit:       {to: StateExitPending, action: setExitReason},
		TriggerPauseRequested:   {to: StatePaused},
	},
	StateExitPending: {
		TriggerExitApproved:   {to: StateExiting},
		TriggerExitRejected:   {to: StateMonitoring, action: clearExitReason},
		TriggerManualExit:     {to: StateExitPending, noop: true},
		TriggerPauseRequested: {to: StateExitPending, noop: true},
	},
	StateExiting: {
		TriggerExitCompleted: {to: StateClosed, action: closePosition},
		TriggerExitFailed:    {to: StateError, action: setError},
	},
	StatePaused: {
		TriggerResumeRequested: {to: StateMonitoring},
		TriggerManualExit:      {to: StateExitPending, action: setExitReason},
		TriggerPauseRequested:  {to: StatePaused, noop: true},
	},
	StateError: {
		TriggerRecoveryCompleted: {to: StateMonitoring, action: clearError},
		TriggerExitCompleted:     {to: StateClosed, action: forceClosePosition},
	},
	StateClosed: {},
}

func setExitReason(m *Machine, in Input, _ time.Time) {
	if in.Reason != "" {
		m.ctx.ExitReason = in.Reason
	} else if m.ctx.ExitReason == "" {
		m.ctx.ExitReason = "manual exit"
	}
}

func clearExitReason(m *Machine, _ Input, _ time.Time) {
	m.ctx.ExitReason = ""
}

func setError(m *Machine, in Input, _ time.Time) {
	if in.Err != nil {
		m.ctx.Error = in.Err.Error()
	} else if in.Reason != "" {
		m.ctx.Error = in.Reason
	}
}

func clearError(m *Machine, _ Input, _ time.Time) {
	m.ctx.Error = ""
}

// closePosition writes the exit timestamp and freezes final PnL atomically
// with the state flip to CLOSED.
func closePosition(m *Machine, in Input, at time.Time) {
	t := at
	m.ctx.ExitTimestamp = &t
	if in.Reason != "" {
		m.ctx.ExitReason = in.Reason
	}
	m.ctx.closed = true
}

// forceClosePosition is the ERROR → CLOSED escape: same close semantics plus
// a default exit reason when none was ever set.
func forceClosePosition(m *Machine, in Input, at time.Time) {
	closePosition(m, in, at)
	if m.ctx.ExitReason == "" {
		m.ctx.ExitReason = "force-closed from error state"
	}
}

// Machine owns one position's lifecycle. The current state is a single
// atomic word readable lock-free; the context is guarded by a small mutex.
type Machine struct {
	state atomic.Int32

	ctxMu sync.Mutex
	ctx   Context

	histMu  sync.Mutex
	history []HistoryEntry

	logger *zap.Logger
	now    func() time.Time
}

// NewMachine creates a machine in CREATED holding the given context.
func NewMachine(logger *zap.Logger, ctx Context) *Machine {
	m := &Machine{
		ctx:    ctx,
		logger: logger.Named("position").With(zap.String("position_id", ctx.PositionID)),
		now:    time.Now,
	}
	m.state.Store(int32(StateCreated))
	m.history = append(m.history, HistoryEntry{
		From:      StateCreated,
		To:        StateCreated,
		Timestamp: m.now(),
	})
	return m
}

// ID returns the position id.
func (m *Machine) ID() string { return m.ctx.PositionID }

// State reads the current state without locking.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// CanTransition reports whether the trigger would currently be accepted,
// without effecting it. The answer can be stale by the time the caller acts
// on it; Fire reports the true outcome.
func (m *Machine) CanTransition(trigger Trigger) bool {
	from := m.State()
	if trigger == TriggerErrorOccurred {
		return from != StateError && from != StateClosed
	}
	_, ok := transitions[from][trigger]
	return ok
}

// Fire attempts a transition. Exactly one of two racing transitions wins; the
// loser returns false without mutating context or history. Idempotent no-op
// edges return true without recording anything.
func (m *Machine) Fire(trigger Trigger, in Input) bool {
	for {
		from := State(m.state.Load())

		var r rule
		if trigger == TriggerErrorOccurred {
			if from == StateError || from == StateClosed {
				return false
			}
			r = rule{to: StateError, action: setError}
		} else {
			var ok bool
			r, ok = transitions[from][trigger]
			if !ok {
				m.logger.Debug("transition rejected",
					zap.String("from", from.String()),
					zap.String("trigger", string(trigger)),
				)
				return false
			}
		}

		if r.noop {
			return true
		}

		// The CAS is the commit point: a loser observed a pre-state it no
		// longer holds and must not retry the same rule blindly.
		if !m.state.CompareAndSwap(int32(from), int32(r.to)) {
			// Another transition won. Re-evaluate only for the wildcard
			// error trigger, which is valid from almost everywhere.
			if trigger == TriggerErrorOccurred {
				continue
			}
			return false
		}

		at := m.now()
		if r.action != nil {
			m.ctxMu.Lock()
			r.action(m, in, at)
			m.ctxMu.Unlock()
		}
		m.appendHistory(HistoryEntry{
			From:      from,
			To:        r.to,
			Trigger:   trigger,
			Reason:    in.Reason,
			Timestamp: at,
		})
		m.logger.Debug("transition",
			zap.String("from", from.String()),
			zap.String("to", r.to.String()),
			zap.String("trigger", string(trigger)),
		)
		return true
	}
}

// ForceState bypasses guards for operator intervention. It still writes via
// the state word and appends to history.
func (m *Machine) ForceState(to State, reason string) {
	from := State(m.state.Swap(int32(to)))
	at := m.now()
	if to == StateClosed {
		m.ctxMu.Lock()
		if !m.ctx.closed {
			t := at
			m.ctx.ExitTimestamp = &t
			if m.ctx.ExitReason == "" {
				m.ctx.ExitReason = reason
			}
			m.ctx.closed = true
		}
		m.ctxMu.Unlock()
	}
	m.appendHistory(HistoryEntry{
		From:      from,
		To:        to,
		Reason:    reason,
		Forced:    true,
		Timestamp: at,
	})
	m.logger.Warn("forced state",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)
}

// UpdatePrice refreshes the price/PnL quadruple. Lock-free on the state word;
// the context mutex makes the quadruple consistent for readers. Invalid
// prices are rejected silently. Updates after close never mutate.
func (m *Machine) UpdatePrice(price float64) bool {
	if !validPrice(price) {
		return false
	}
	if m.State() == StateClosed {
		return false
	}

	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	// Re-check under the mutex: a close that won the race has frozen the
	// final PnL and must not be overwritten.
	if m.ctx.closed {
		return false
	}
	m.ctx.applyPrice(price, m.now())
	return true
}

// Snapshot returns the state and a consistent copy of the context.
func (m *Machine) Snapshot() (State, Context) {
	m.ctxMu.Lock()
	ctx := m.ctx
	m.ctxMu.Unlock()
	return m.State(), ctx
}

// appendHistory adds an entry to the bounded ring.
func (m *Machine) appendHistory(e HistoryEntry) {
	m.histMu.Lock()
	m.history = append(m.history, e)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.histMu.Unlock()
}

// History returns a copy of the transition ring.
func (m *Machine) History() []HistoryEntry {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}
