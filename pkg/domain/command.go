package domain

import (
	"fmt"
	"time"
)

// Command is an external control message addressed to one running execution.
// An empty StepID addresses the whole execution.
type Command struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	RequestedBy string    `json:"requested_by"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Validate checks that the command is addressable
func (c *Command) Validate() error {
	if c.ExecutionID == "" {
		return fmt.Errorf("execution ID is required")
	}
	return nil
}

// CommandOutcome reports what a command did
type CommandOutcome string

const (
	CommandAccepted         CommandOutcome = "accepted"
	CommandAlreadyRequested CommandOutcome = "already_requested"
	CommandAlreadyFinished  CommandOutcome = "already_finished"
	CommandNotFound         CommandOutcome = "not_found"
)

// CommandResult is returned to whoever delivered a command
type CommandResult struct {
	CommandID   string         `json:"command_id,omitempty"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Outcome     CommandOutcome `json:"outcome"`
	Message     string         `json:"message,omitempty"`
}

// StopRequest is the cancellation cause attached to a stopped context
type StopRequest struct {
	RequestedBy string
	// Shutdown marks a stop caused by the orchestrator process going away
	Shutdown bool
}

func (r *StopRequest) Error() string {
	if r.Shutdown {
		return "stopped by orchestrator shutdown"
	}
	if r.RequestedBy == "" {
		return "stopped on request"
	}
	return fmt.Sprintf("stopped by %s", r.RequestedBy)
}
