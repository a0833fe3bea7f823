package domain

// ExecutionStatus is the lifecycle status of an execution, a step execution or an attempt
type ExecutionStatus string

const (
	ExecutionStatusNotStarted ExecutionStatus = "NOT_STARTED"
	ExecutionStatusRunning    ExecutionStatus = "RUNNING"
	ExecutionStatusAwaitRetry ExecutionStatus = "AWAIT_RETRY"
	ExecutionStatusSucceeded  ExecutionStatus = "SUCCEEDED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
	ExecutionStatusSkipped    ExecutionStatus = "SKIPPED"
	ExecutionStatusStopped    ExecutionStatus = "STOPPED"
	ExecutionStatusDuplicate  ExecutionStatus = "DUPLICATE"

	// Execution-level only
	ExecutionStatusWarning   ExecutionStatus = "WARNING"
	ExecutionStatusSuspended ExecutionStatus = "SUSPENDED"
)

// IsTerminal reports whether no further transition can follow
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded,
		ExecutionStatusFailed,
		ExecutionStatusSkipped,
		ExecutionStatusStopped,
		ExecutionStatusDuplicate,
		ExecutionStatusWarning,
		ExecutionStatusSuspended:
		return true
	default:
		return false
	}
}

// IsFailureClass reports whether a strict dependent must be skipped
// when its predecessor ended in this status.
func (s ExecutionStatus) IsFailureClass() bool {
	switch s {
	case ExecutionStatusFailed,
		ExecutionStatusSkipped,
		ExecutionStatusStopped,
		ExecutionStatusDuplicate:
		return true
	default:
		return false
	}
}

// IsActive reports whether a step execution in this status is still being worked on
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusRunning || s == ExecutionStatusAwaitRetry
}

// ParseExecutionStatus converts a stored value back into a status
func ParseExecutionStatus(v string) (ExecutionStatus, bool) {
	s := ExecutionStatus(v)
	switch s {
	case ExecutionStatusNotStarted,
		ExecutionStatusRunning,
		ExecutionStatusAwaitRetry,
		ExecutionStatusSucceeded,
		ExecutionStatusFailed,
		ExecutionStatusSkipped,
		ExecutionStatusStopped,
		ExecutionStatusDuplicate,
		ExecutionStatusWarning,
		ExecutionStatusSuspended:
		return s, true
	}
	return "", false
}

// FailureReason distinguishes why an attempt did not succeed
type FailureReason string

const (
	FailureReasonNone    FailureReason = ""
	FailureReasonError   FailureReason = "error"
	FailureReasonTimeout FailureReason = "timeout"
	FailureReasonPanic   FailureReason = "panic"
	FailureReasonStopped FailureReason = "stopped"
)
