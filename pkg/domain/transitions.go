package domain

import (
	"fmt"
	"time"
)

// StepExecution returns the participation of a step in this execution
func (e *Execution) StepExecution(stepID string) (*StepExecution, error) {
	se, ok := e.Steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in execution %s", ErrStepNotFound, stepID, e.ID)
	}
	return se, nil
}

// SetStatus moves the execution itself. StartedAt is set on the first move
// to Running and EndedAt on the move to a terminal status.
func (e *Execution) SetStatus(status ExecutionStatus, message string, now time.Time) {
	e.Status = status
	if message != "" {
		e.Message = message
	}
	if status == ExecutionStatusRunning && e.StartedAt == nil {
		t := now
		e.StartedAt = &t
	}
	if status.IsTerminal() && e.EndedAt == nil {
		t := now
		e.EndedAt = &t
	}
}

// StartAttempt appends a Running attempt. Starting an attempt that is already
// Running is a no-op so redelivered writes are harmless.
func (e *Execution) StartAttempt(stepID string, index int, now time.Time) error {
	se, err := e.StepExecution(stepID)
	if err != nil {
		return err
	}
	if se.Status.IsTerminal() {
		return fmt.Errorf("step %s already finished with status %s", stepID, se.Status)
	}
	if a, ok := se.Attempt(index); ok {
		if a.Status == ExecutionStatusRunning {
			return nil
		}
		return fmt.Errorf("attempt %d of step %s already recorded with status %s", index, stepID, a.Status)
	}
	se.Attempts = append(se.Attempts, &Attempt{
		Index:     index,
		Status:    ExecutionStatusRunning,
		StartedAt: now,
	})
	se.Status = ExecutionStatusRunning
	return nil
}

// UpdateAttempt changes the status and info message of an attempt that has not ended
func (e *Execution) UpdateAttempt(stepID string, index int, status ExecutionStatus, message string) error {
	if status.IsTerminal() {
		return fmt.Errorf("status %s is terminal, record the attempt end instead", status)
	}
	se, err := e.StepExecution(stepID)
	if err != nil {
		return err
	}
	a, ok := se.Attempt(index)
	if !ok {
		return fmt.Errorf("attempt %d of step %s not found", index, stepID)
	}
	if a.EndedAt != nil {
		return fmt.Errorf("attempt %d of step %s already ended", index, stepID)
	}
	a.Status = status
	if message != "" {
		a.InfoMessage = message
	}
	se.Status = status
	return nil
}

// EndAttempt closes an attempt with its outcome. An attempt that never
// started is created with start and end both set to now, so Skipped, Duplicate
// and early Stopped steps never show as Running. An AwaitRetry outcome ends
// the attempt while keeping the step non-terminal.
func (e *Execution) EndAttempt(stepID string, index int, outcome AttemptOutcome, now time.Time) error {
	if !outcome.Status.IsTerminal() && outcome.Status != ExecutionStatusAwaitRetry {
		return fmt.Errorf("cannot end attempt with status %s", outcome.Status)
	}
	se, err := e.StepExecution(stepID)
	if err != nil {
		return err
	}
	if se.Status.IsTerminal() {
		return fmt.Errorf("step %s already finished with status %s", stepID, se.Status)
	}
	a, ok := se.Attempt(index)
	if !ok {
		a = &Attempt{Index: index, StartedAt: now}
		se.Attempts = append(se.Attempts, a)
	}
	if a.EndedAt != nil {
		return fmt.Errorf("attempt %d of step %s already ended", index, stepID)
	}
	end := now
	a.EndedAt = &end
	a.Status = outcome.Status
	a.Reason = outcome.Reason
	a.ErrorMessage = outcome.ErrorMessage
	if outcome.InfoMessage != "" {
		a.InfoMessage = outcome.InfoMessage
	}
	a.StoppedBy = outcome.StoppedBy
	se.Status = outcome.Status
	return nil
}

// RunningSince reports whether the step of jobID is active in this execution
// and the execution was created no earlier than since
func (e *Execution) RunningSince(jobID, stepID string, since time.Time) bool {
	if e.JobID != jobID || e.Status.IsTerminal() || e.CreatedAt.Before(since) {
		return false
	}
	se, ok := e.Steps[stepID]
	return ok && se.Status.IsActive()
}
