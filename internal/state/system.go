package state

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/events"
)

// SystemState is the process-wide lifecycle state.
type SystemState string

const (
	SystemInitializing SystemState = "INITIALIZING"
	SystemReady        SystemState = "READY"
	SystemRunning      SystemState = "RUNNING"
	SystemPaused       SystemState = "PAUSED"
	SystemMaintenance  SystemState = "MAINTENANCE"
	SystemError        SystemState = "ERROR"
	SystemShuttingDown SystemState = "SHUTTING_DOWN"
	SystemStopped      SystemState = "STOPPED"
)

// SystemTrigger is an input to the system machine.
type SystemTrigger string

const (
	SystemInitCompleted     SystemTrigger = "INITIALIZATION_COMPLETED"
	SystemStartRequested    SystemTrigger = "START_REQUESTED"
	SystemPauseRequested    SystemTrigger = "PAUSE_REQUESTED"
	SystemResumeRequested   SystemTrigger = "RESUME_REQUESTED"
	SystemMaintenanceBegin  SystemTrigger = "MAINTENANCE_REQUESTED"
	SystemMaintenanceEnd    SystemTrigger = "MAINTENANCE_COMPLETED"
	SystemErrorOccurred     SystemTrigger = "ERROR_OCCURRED"
	SystemRecoveryCompleted SystemTrigger = "RECOVERY_COMPLETED"
	SystemShutdownRequested SystemTrigger = "SHUTDOWN_REQUESTED"
	SystemShutdownCompleted SystemTrigger = "SHUTDOWN_COMPLETED"
	SystemForceStop         SystemTrigger = "FORCE_STOP"
)

// ComponentStatus is the health of one required dependency.
type ComponentStatus string

const (
	ComponentUnknown      ComponentStatus = "UNKNOWN"
	ComponentConnected    ComponentStatus = "CONNECTED"
	ComponentDisconnected ComponentStatus = "DISCONNECTED"
	ComponentDegraded     ComponentStatus = "DEGRADED"
)

// Components records per-dependency health.
type Components struct {
	Database   ComponentStatus `json:"database"`
	RPC        ComponentStatus `json:"rpc"`
	Blockchain ComponentStatus `json:"blockchain"`
	Trading    ComponentStatus `json:"trading"`
	TUI        ComponentStatus `json:"tui"`
}

// SystemMetrics are coarse process counters surfaced on status queries.
type SystemMetrics struct {
	TotalTrades     int64         `json:"totalTrades"`
	OpenPositions   int           `json:"openPositions"`
	Uptime          time.Duration `json:"uptime"`
	LastHealthCheck *time.Time    `json:"lastHealthCheck,omitempty"`
}

// SystemContext is the system machine's mutable context.
type SystemContext struct {
	StartTime  *time.Time    `json:"startTime,omitempty"`
	ErrorCount int           `json:"errorCount"`
	Components Components    `json:"components"`
	Metrics    SystemMetrics `json:"metrics"`
	LastError  string        `json:"lastError,omitempty"`
}

const systemHistoryLimit = 200

// SystemMachine is the process-wide lifecycle machine. Transitions publish
// systemStatus events on the shared bus.
type SystemMachine struct {
	mu      sync.Mutex
	state   SystemState
	ctx     SystemContext
	history *historyRing
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// NewSystemMachine creates a machine in INITIALIZING.
func NewSystemMachine(logger *zap.Logger, bus *events.Bus) *SystemMachine {
	m := &SystemMachine{
		state:   SystemInitializing,
		history: newHistoryRing(systemHistoryLimit),
		bus:     bus,
		logger:  logger.Named("system-fsm"),
		now:     time.Now,
	}
	t := m.now()
	m.ctx.StartTime = &t
	m.ctx.Components = Components{
		Database:   ComponentUnknown,
		RPC:        ComponentUnknown,
		Blockchain: ComponentUnknown,
		Trading:    ComponentUnknown,
		TUI:        ComponentUnknown,
	}
	return m
}

// State returns the current state.
func (m *SystemMachine) State() SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the system context with uptime refreshed.
func (m *SystemMachine) Context() SystemContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx.StartTime != nil {
		ctx.Metrics.Uptime = m.now().Sub(*ctx.StartTime)
	}
	return ctx
}

// SetComponent updates one component's health.
func (m *SystemMachine) SetComponent(update func(*Components)) {
	m.mu.Lock()
	update(&m.ctx.Components)
	m.mu.Unlock()
}

// UpdateMetrics mutates the metrics record.
func (m *SystemMachine) UpdateMetrics(fn func(*SystemMetrics)) {
	m.mu.Lock()
	fn(&m.ctx.Metrics)
	m.mu.Unlock()
}

// requiredComponentsReady gates leaving INITIALIZING and ERROR.
func (m *SystemMachine) requiredComponentsReady() bool {
	return m.ctx.Components.Database == ComponentConnected &&
		m.ctx.Components.RPC == ComponentConnected
}

// Fire attempts a transition and reports whether it was accepted.
func (m *SystemMachine) Fire(trigger SystemTrigger, reason string) bool {
	m.mu.Lock()

	from := m.state
	var to SystemState

	switch trigger {
	case SystemInitCompleted:
		if from != SystemInitializing || !m.requiredComponentsReady() {
			m.mu.Unlock()
			return false
		}
		to = SystemReady
	case SystemStartRequested:
		if from != SystemReady {
			m.mu.Unlock()
			return false
		}
		to = SystemRunning
	case SystemPauseRequested:
		if from != SystemRunning {
			m.mu.Unlock()
			return false
		}
		to = SystemPaused
	case SystemResumeRequested:
		if from != SystemPaused {
			m.mu.Unlock()
			return false
		}
		to = SystemRunning
	case SystemMaintenanceBegin:
		if from != SystemReady && from != SystemRunning && from != SystemPaused {
			m.mu.Unlock()
			return false
		}
		to = SystemMaintenance
	case SystemMaintenanceEnd:
		if from != SystemMaintenance {
			m.mu.Unlock()
			return false
		}
		to = SystemRunning
	case SystemErrorOccurred:
		if from == SystemError || from == SystemStopped {
			m.mu.Unlock()
			return false
		}
		to = SystemError
		m.ctx.ErrorCount++
		m.ctx.LastError = reason
	case SystemRecoveryCompleted:
		if from != SystemError || !m.requiredComponentsReady() {
			m.mu.Unlock()
			return false
		}
		to = SystemReady
	case SystemShutdownRequested:
		if from == SystemStopped {
			m.mu.Unlock()
			return false
		}
		to = SystemShuttingDown
	case SystemShutdownCompleted:
		if from != SystemShuttingDown {
			m.mu.Unlock()
			return false
		}
		to = SystemStopped
	case SystemForceStop:
		to = SystemStopped
	default:
		m.mu.Unlock()
		return false
	}

	m.state = to
	t := m.now()
	m.history.append(HistoryEntry{
		From:      string(from),
		To:        string(to),
		Trigger:   string(trigger),
		Reason:    reason,
		Timestamp: t,
	})
	m.mu.Unlock()

	m.logger.Info("system state change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", string(trigger)),
	)
	if m.bus != nil {
		m.bus.Publish(events.SystemStatusEvent{
			BaseEvent: events.BaseEvent{Type: events.EventTypeSystemStatus, Timestamp: t},
			State:     string(to),
			Previous:  string(from),
			Reason:    reason,
		})
	}
	return true
}

// History returns a copy of the transition log.
func (m *SystemMachine) History() []HistoryEntry {
	return m.history.snapshot()
}
