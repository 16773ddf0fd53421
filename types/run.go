package types

// RunStatus is the lifecycle state of a run. Terminal statuses are immutable
// once reached.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusSuccess     RunStatus = "success"
	RunStatusError       RunStatus = "error"
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSuccess, RunStatusError, RunStatusInterrupted:
		return true
	}
	return false
}

// Stream modes — named channels a run can emit events on.
const (
	StreamModeValues   = "values"
	StreamModeError    = "error"
	StreamModeEvents   = "events"
	StreamModeMessages = "messages"
)

// ValidStreamMode reports whether mode names a known channel.
func ValidStreamMode(mode string) bool {
	switch mode {
	case StreamModeValues, StreamModeError, StreamModeEvents, StreamModeMessages:
		return true
	}
	return false
}

// Disconnect policies — what happens to a run when its streaming client goes
// away.
const (
	OnDisconnectContinue = "continue"
	OnDisconnectCancel   = "cancel"
)

// Cancel actions.
const (
	CancelActionInterrupt = "interrupt"
	CancelActionRollback  = "rollback"
)

// NormalizeCancelAction maps unrecognized values to interrupt.
func NormalizeCancelAction(action string) string {
	if action == CancelActionRollback {
		return CancelActionRollback
	}
	return CancelActionInterrupt
}
