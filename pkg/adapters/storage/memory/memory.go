package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
)

// StatusStore implements ports.StatusStore using an in-memory map.
// One mutex serializes every write; readers get deep copies.
type StatusStore struct {
	executions map[string]*domain.Execution
	mu         sync.RWMutex
	now        func() time.Time
}

// NewStatusStore creates a new in-memory status store
func NewStatusStore() *StatusStore {
	return &StatusStore{
		executions: make(map[string]*domain.Execution),
		now:        time.Now,
	}
}

// CreateExecution stores a new execution
func (s *StatusStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return fmt.Errorf("execution already exists: %s", exec.ID)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution returns a snapshot of an execution
func (s *StatusStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, err := s.get(executionID)
	if err != nil {
		return nil, err
	}
	return exec.Clone(), nil
}

// SetExecutionStatus moves the execution itself
func (s *StatusStore) SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error {
	return s.update(executionID, func(exec *domain.Execution) error {
		exec.SetStatus(status, message, s.now())
		return nil
	})
}

// RecordStart appends a Running attempt
func (s *StatusStore) RecordStart(ctx context.Context, key domain.AttemptKey) error {
	return s.update(key.ExecutionID, func(exec *domain.Execution) error {
		return exec.StartAttempt(key.StepID, key.Attempt, s.now())
	})
}

// RecordStatus updates a running attempt
func (s *StatusStore) RecordStatus(ctx context.Context, key domain.AttemptKey, status domain.ExecutionStatus, message string) error {
	return s.update(key.ExecutionID, func(exec *domain.Execution) error {
		return exec.UpdateAttempt(key.StepID, key.Attempt, status, message)
	})
}

// RecordEnd finishes an attempt
func (s *StatusStore) RecordEnd(ctx context.Context, key domain.AttemptKey, outcome domain.AttemptOutcome) error {
	return s.update(key.ExecutionID, func(exec *domain.Execution) error {
		return exec.EndAttempt(key.StepID, key.Attempt, outcome, s.now())
	})
}

// GetTerminalStatus returns the step status when it is terminal
func (s *StatusStore) GetTerminalStatus(ctx context.Context, executionID, stepID string) (domain.ExecutionStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, err := s.get(executionID)
	if err != nil {
		return "", false, err
	}
	se, err := exec.StepExecution(stepID)
	if err != nil {
		return "", false, err
	}
	return se.Status, se.Status.IsTerminal(), nil
}

// StepStatuses returns one consistent snapshot of every step status
func (s *StatusStore) StepStatuses(ctx context.Context, executionID string) (map[string]domain.ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, err := s.get(executionID)
	if err != nil {
		return nil, err
	}
	return exec.StepStatuses(), nil
}

// FindActiveStep looks for another execution of the job in which the step is active
func (s *StatusStore) FindActiveStep(ctx context.Context, jobID, stepID, excludeExecutionID string, since time.Time) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.findActive(jobID, stepID, excludeExecutionID, since)
	return id, ok, nil
}

// ClaimStep re-checks for a concurrent run and records the first attempt under the same lock
func (s *StatusStore) ClaimStep(ctx context.Context, jobID string, key domain.AttemptKey, since time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.findActive(jobID, key.StepID, key.ExecutionID, since); ok {
		return holder, false, nil
	}
	exec, err := s.get(key.ExecutionID)
	if err != nil {
		return "", false, err
	}
	if err := exec.StartAttempt(key.StepID, key.Attempt, s.now()); err != nil {
		return "", false, err
	}
	return "", true, nil
}

// ReleaseStep is a no-op: claims are derived from step statuses
func (s *StatusStore) ReleaseStep(ctx context.Context, jobID, executionID, stepID string) error {
	return nil
}

// ListExecutions returns snapshots of every stored execution
func (s *StatusStore) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execs := make([]*domain.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		execs = append(execs, exec.Clone())
	}
	return execs, nil
}

func (s *StatusStore) findActive(jobID, stepID, excludeExecutionID string, since time.Time) (string, bool) {
	for id, exec := range s.executions {
		if id == excludeExecutionID {
			continue
		}
		if exec.RunningSince(jobID, stepID, since) {
			return id, true
		}
	}
	return "", false
}

func (s *StatusStore) get(executionID string) (*domain.Execution, error) {
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
	}
	return exec, nil
}

func (s *StatusStore) update(executionID string, fn func(*domain.Execution) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, err := s.get(executionID)
	if err != nil {
		return err
	}
	return fn(exec)
}
