package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	executionKeyPrefix = "dapo:execution:"
	runningKeyPrefix   = "dapo:running:"
	executionIndexKey  = "dapo:executions"

	maxTxRetries       = 16
	defaultClaimWindow = 24 * time.Hour
)

// releaseScript deletes a claim only when it is still held by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// takeoverScript replaces a stale claim only when the stale holder still owns it
var takeoverScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// StatusStore implements ports.StatusStore using Redis.
// Executions are JSON documents updated under WATCH; duplicate-run claims are
// SET NX keys that expire with the duplicate window.
type StatusStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewStatusStore creates a new Redis status store. A ttl of zero keeps execution documents forever.
func NewStatusStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StatusStore {
	return &StatusStore{
		client: client,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// CreateExecution stores a new execution document
func (s *StatusStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	ok, err := s.client.SetNX(ctx, executionKey(exec.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	if !ok {
		return fmt.Errorf("execution already exists: %s", exec.ID)
	}
	if err := s.client.SAdd(ctx, executionIndexKey, exec.ID).Err(); err != nil {
		return fmt.Errorf("failed to index execution: %w", err)
	}

	s.logger.Debug("execution saved",
		zap.String("execution_id", exec.ID),
		zap.String("job_id", exec.JobID))

	return nil
}

// GetExecution loads an execution document
func (s *StatusStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	return load(ctx, s.client, executionID)
}

// SetExecutionStatus moves the execution itself
func (s *StatusStore) SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error {
	return s.update(ctx, executionID, func(exec *domain.Execution) error {
		exec.SetStatus(status, message, s.now())
		return nil
	})
}

// RecordStart appends a Running attempt
func (s *StatusStore) RecordStart(ctx context.Context, key domain.AttemptKey) error {
	return s.update(ctx, key.ExecutionID, func(exec *domain.Execution) error {
		return exec.StartAttempt(key.StepID, key.Attempt, s.now())
	})
}

// RecordStatus updates a running attempt
func (s *StatusStore) RecordStatus(ctx context.Context, key domain.AttemptKey, status domain.ExecutionStatus, message string) error {
	return s.update(ctx, key.ExecutionID, func(exec *domain.Execution) error {
		return exec.UpdateAttempt(key.StepID, key.Attempt, status, message)
	})
}

// RecordEnd finishes an attempt
func (s *StatusStore) RecordEnd(ctx context.Context, key domain.AttemptKey, outcome domain.AttemptOutcome) error {
	return s.update(ctx, key.ExecutionID, func(exec *domain.Execution) error {
		return exec.EndAttempt(key.StepID, key.Attempt, outcome, s.now())
	})
}

// GetTerminalStatus returns the step status when it is terminal
func (s *StatusStore) GetTerminalStatus(ctx context.Context, executionID, stepID string) (domain.ExecutionStatus, bool, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return "", false, err
	}
	se, err := exec.StepExecution(stepID)
	if err != nil {
		return "", false, err
	}
	return se.Status, se.Status.IsTerminal(), nil
}

// StepStatuses returns the step statuses of one document read
func (s *StatusStore) StepStatuses(ctx context.Context, executionID string) (map[string]domain.ExecutionStatus, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec.StepStatuses(), nil
}

// FindActiveStep checks the claim key of the step
func (s *StatusStore) FindActiveStep(ctx context.Context, jobID, stepID, excludeExecutionID string, since time.Time) (string, bool, error) {
	holder, err := s.client.Get(ctx, runningKey(jobID, stepID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get claim: %w", err)
	}
	if holder == excludeExecutionID {
		return "", false, nil
	}
	active, err := s.holderActive(ctx, holder, jobID, stepID, since)
	if err != nil {
		return "", false, err
	}
	if !active {
		return "", false, nil
	}
	return holder, true, nil
}

// ClaimStep takes the claim key of the step and records the first attempt.
// A claim left behind by a finished or expired execution is taken over.
func (s *StatusStore) ClaimStep(ctx context.Context, jobID string, key domain.AttemptKey, since time.Time) (string, bool, error) {
	claimKey := runningKey(jobID, key.StepID)
	window := s.now().Sub(since)
	if window <= 0 {
		window = defaultClaimWindow
	}

	claimed := false
	for i := 0; i < maxTxRetries && !claimed; i++ {
		ok, err := s.client.SetNX(ctx, claimKey, key.ExecutionID, window).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to set claim: %w", err)
		}
		if ok {
			claimed = true
			break
		}

		holder, err := s.client.Get(ctx, claimKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to get claim: %w", err)
		}
		if holder == key.ExecutionID {
			claimed = true
			break
		}

		active, err := s.holderActive(ctx, holder, jobID, key.StepID, since)
		if err != nil {
			return "", false, err
		}
		if active {
			return holder, false, nil
		}

		swapped, err := takeoverScript.Run(ctx, s.client, []string{claimKey},
			holder, key.ExecutionID, window.Milliseconds()).Int()
		if err != nil {
			return "", false, fmt.Errorf("failed to take over claim: %w", err)
		}
		if swapped == 1 {
			s.logger.Debug("stale claim taken over",
				zap.String("job_id", jobID),
				zap.String("step_id", key.StepID),
				zap.String("stale_execution_id", holder),
				zap.String("execution_id", key.ExecutionID))
			claimed = true
		}
	}
	if !claimed {
		return "", false, fmt.Errorf("failed to claim step %s: too much contention", key.StepID)
	}

	if err := s.RecordStart(ctx, key); err != nil {
		_ = s.ReleaseStep(ctx, jobID, key.ExecutionID, key.StepID)
		return "", false, err
	}
	return "", true, nil
}

// ReleaseStep deletes the claim when this execution still holds it
func (s *StatusStore) ReleaseStep(ctx context.Context, jobID, executionID, stepID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{runningKey(jobID, stepID)}, executionID).Err(); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// ListExecutions returns every indexed execution that still exists
func (s *StatusStore) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	ids, err := s.client.SMembers(ctx, executionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	execs := make([]*domain.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrExecutionNotFound) {
				// expired document
				s.client.SRem(ctx, executionIndexKey, id)
				continue
			}
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// holderActive reports whether the claim holder still runs the step. A step
// that is claimed but not yet recorded as Running counts as active.
func (s *StatusStore) holderActive(ctx context.Context, holder, jobID, stepID string, since time.Time) (bool, error) {
	exec, err := s.GetExecution(ctx, holder)
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			return false, nil
		}
		return false, err
	}
	if exec.JobID != jobID || exec.Status.IsTerminal() || exec.CreatedAt.Before(since) {
		return false, nil
	}
	se, ok := exec.Steps[stepID]
	return ok && !se.Status.IsTerminal(), nil
}

func (s *StatusStore) update(ctx context.Context, executionID string, fn func(*domain.Execution) error) error {
	key := executionKey(executionID)

	txf := func(tx *redis.Tx) error {
		exec, err := load(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if err := fn(exec); err != nil {
			return err
		}
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update execution %s: too much contention", executionID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, executionID string) (*domain.Execution, error) {
	data, err := c.Get(ctx, executionKey(executionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var exec domain.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	if exec.Steps == nil {
		exec.Steps = make(map[string]*domain.StepExecution)
	}
	return &exec, nil
}

func executionKey(executionID string) string {
	return executionKeyPrefix + executionID
}

func runningKey(jobID, stepID string) string {
	return runningKeyPrefix + jobID + ":" + stepID
}
