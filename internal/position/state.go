// Package position implements the per-position lifecycle machine: a
// compare-and-swapped state word for exclusive transitions plus a small
// context mutex for consistent numeric views.
package position

// State is the position lifecycle state. Encoded as a compact integer so the
// current state can live in an atomic word.
type State int32

const (
	StateCreated State = iota
	StateMonitoring
	StateExitPending
	StateExiting
	StateClosed
	StateError
	StatePaused
)

var stateNames = map[State]string{
	StateCreated:     "CREATED",
	StateMonitoring:  "MONITORING",
	StateExitPending: "EXIT_PENDING",
	StateExiting:     "EXITING",
	StateClosed:      "CLOSED",
	StateError:       "ERROR",
	StatePaused:      "PAUSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateClosed }

// Trigger is an input to the position machine.
type Trigger string

const (
	TriggerPositionOpened    Trigger = "POSITION_OPENED"
	TriggerExitConditionMet  Trigger = "EXIT_CONDITION_MET"
	TriggerManualExit        Trigger = "MANUAL_EXIT_REQUESTED"
	TriggerPauseRequested    Trigger = "PAUSE_REQUESTED"
	TriggerResumeRequested   Trigger = "RESUME_REQUESTED"
	TriggerExitApproved      Trigger = "EXIT_APPROVED"
	TriggerExitRejected      Trigger = "EXIT_REJECTED"
	TriggerExitCompleted     Trigger = "EXIT_COMPLETED"
	TriggerExitFailed        Trigger = "EXIT_FAILED"
	TriggerErrorOccurred     Trigger = "ERROR_OCCURRED"
	TriggerRecoveryCompleted Trigger = "RECOVERY_COMPLETED"
)
