// Package storetest holds the behaviour every ports.StatusStore must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewExecution builds an execution of a three step job for store tests
func NewExecution(id string) *domain.Execution {
	return NewJobExecution(id, "nightly")
}

// NewJobExecution is NewExecution for a job with another id but the same step ids
func NewJobExecution(id, jobID string) *domain.Execution {
	job := &domain.Job{
		ID:   jobID,
		Name: "Nightly load",
		Steps: []*domain.Step{
			{ID: "extract", Config: &domain.ExecConfig{Path: "/bin/true"}},
			{ID: "transform", Config: &domain.ExecConfig{Path: "/bin/true"}},
			{ID: "load", Phase: 1, Config: &domain.SQLConfig{ConnectionID: "dw", Statement: "select 1"}},
		},
	}
	return domain.NewExecution(id, job, job.Steps, domain.RunOptions{RequestedBy: "tester"}, time.Now())
}

// Run exercises a fresh store returned by newStore for every subtest
func Run(t *testing.T, newStore func(t *testing.T) ports.StatusStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateExecution(ctx, NewExecution("e1")))

		exec, err := store.GetExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "nightly", exec.JobID)
		assert.Equal(t, "Nightly load", exec.JobName)
		assert.Equal(t, "tester", exec.RequestedBy)
		assert.Equal(t, domain.ExecutionStatusNotStarted, exec.Status)
		require.Len(t, exec.Steps, 3)
		assert.Equal(t, domain.StepTypeSQL, exec.Steps["load"].StepType)
		assert.Equal(t, 1, exec.Steps["load"].Phase)

		_, err = store.GetExecution(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrExecutionNotFound))
	})

	t.Run("attempt lifecycle", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateExecution(ctx, NewExecution("e1")))

		k0 := domain.AttemptKey{ExecutionID: "e1", StepID: "extract", Attempt: 0}
		require.NoError(t, store.RecordStart(ctx, k0))
		require.NoError(t, store.RecordStatus(ctx, k0, domain.ExecutionStatusRunning, "halfway"))

		_, terminal, err := store.GetTerminalStatus(ctx, "e1", "extract")
		require.NoError(t, err)
		assert.False(t, terminal)

		require.NoError(t, store.RecordEnd(ctx, k0, domain.AttemptOutcome{
			Status:       domain.ExecutionStatusAwaitRetry,
			Reason:       domain.FailureReasonTimeout,
			ErrorMessage: "step timed out",
		}))

		statuses, err := store.StepStatuses(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionStatusAwaitRetry, statuses["extract"])

		k1 := k0
		k1.Attempt = 1
		require.NoError(t, store.RecordStart(ctx, k1))
		require.NoError(t, store.RecordEnd(ctx, k1, domain.AttemptOutcome{
			Status:      domain.ExecutionStatusSucceeded,
			InfoMessage: "42 rows",
		}))

		status, terminal, err := store.GetTerminalStatus(ctx, "e1", "extract")
		require.NoError(t, err)
		assert.True(t, terminal)
		assert.Equal(t, domain.ExecutionStatusSucceeded, status)

		exec, err := store.GetExecution(ctx, "e1")
		require.NoError(t, err)
		se := exec.Steps["extract"]
		require.Len(t, se.Attempts, 2)
		assert.Equal(t, domain.ExecutionStatusAwaitRetry, se.Attempts[0].Status)
		assert.Equal(t, domain.FailureReasonTimeout, se.Attempts[0].Reason)
		assert.Equal(t, "halfway", se.Attempts[0].InfoMessage)
		assert.NotNil(t, se.Attempts[0].EndedAt)
		assert.Equal(t, "42 rows", se.Attempts[1].InfoMessage)

		// terminal steps accept no further writes
		assert.Error(t, store.RecordEnd(ctx, k1, domain.AttemptOutcome{Status: domain.ExecutionStatusFailed}))
	})

	t.Run("end without start", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateExecution(ctx, NewExecution("e1")))

		key := domain.AttemptKey{ExecutionID: "e1", StepID: "load"}
		require.NoError(t, store.RecordEnd(ctx, key, domain.AttemptOutcome{
			Status:       domain.ExecutionStatusSkipped,
			ErrorMessage: "strict dependency extract failed",
		}))

		exec, err := store.GetExecution(ctx, "e1")
		require.NoError(t, err)
		se := exec.Steps["load"]
		assert.Equal(t, domain.ExecutionStatusSkipped, se.Status)
		require.Len(t, se.Attempts, 1)
		require.NotNil(t, se.Attempts[0].EndedAt)
		assert.True(t, se.Attempts[0].EndedAt.Equal(se.Attempts[0].StartedAt))
	})

	t.Run("execution status", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateExecution(ctx, NewExecution("e1")))

		require.NoError(t, store.SetExecutionStatus(ctx, "e1", domain.ExecutionStatusRunning, ""))
		require.NoError(t, store.SetExecutionStatus(ctx, "e1", domain.ExecutionStatusFailed, "cyclic step dependencies detected"))

		exec, err := store.GetExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
		assert.Equal(t, "cyclic step dependencies detected", exec.Message)
		assert.NotNil(t, exec.StartedAt)
		assert.NotNil(t, exec.EndedAt)

		assert.True(t, errors.Is(store.SetExecutionStatus(ctx, "missing", domain.ExecutionStatusFailed, ""), domain.ErrExecutionNotFound))
	})

	t.Run("duplicate claim", func(t *testing.T) {
		store := newStore(t)
		since := time.Now().Add(-time.Hour)
		require.NoError(t, store.CreateExecution(ctx, NewExecution("e1")))
		require.NoError(t, store.CreateExecution(ctx, NewExecution("e2")))
		require.NoError(t, store.SetExecutionStatus(ctx, "e1", domain.ExecutionStatusRunning, ""))
		require.NoError(t, store.SetExecutionStatus(ctx, "e2", domain.ExecutionStatusRunning, ""))

		k1 := domain.AttemptKey{ExecutionID: "e1", StepID: "extract"}
		holder, claimed, err := store.ClaimStep(ctx, "nightly", k1, since)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Empty(t, holder)

		found, ok, err := store.FindActiveStep(ctx, "nightly", "extract", "e2", since)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "e1", found)

		_, ok, err = store.FindActiveStep(ctx, "nightly", "extract", "e1", since)
		require.NoError(t, err)
		assert.False(t, ok)

		k2 := domain.AttemptKey{ExecutionID: "e2", StepID: "extract"}
		holder, claimed, err = store.ClaimStep(ctx, "nightly", k2, since)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, "e1", holder)

		// once finished, the step can be claimed again
		require.NoError(t, store.RecordEnd(ctx, k1, domain.AttemptOutcome{Status: domain.ExecutionStatusSucceeded}))
		require.NoError(t, store.ReleaseStep(ctx, "nightly", "e1", "extract"))

		holder, claimed, err = store.ClaimStep(ctx, "nightly", k2, since)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Empty(t, holder)
	})

	t.Run("duplicate lookback bound", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateExecution(ctx, NewExecution("e1")))
		require.NoError(t, store.SetExecutionStatus(ctx, "e1", domain.ExecutionStatusRunning, ""))
		require.NoError(t, store.RecordStart(ctx, domain.AttemptKey{ExecutionID: "e1", StepID: "extract"}))

		_, ok, err := store.FindActiveStep(ctx, "nightly", "extract", "e2", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("duplicate claim is scoped to the job", func(t *testing.T) {
		store := newStore(t)
		since := time.Now().Add(-time.Hour)
		require.NoError(t, store.CreateExecution(ctx, NewJobExecution("sales-1", "sales")))
		require.NoError(t, store.CreateExecution(ctx, NewJobExecution("hr-1", "hr")))
		require.NoError(t, store.SetExecutionStatus(ctx, "sales-1", domain.ExecutionStatusRunning, ""))
		require.NoError(t, store.SetExecutionStatus(ctx, "hr-1", domain.ExecutionStatusRunning, ""))

		_, claimed, err := store.ClaimStep(ctx, "sales", domain.AttemptKey{ExecutionID: "sales-1", StepID: "load"}, since)
		require.NoError(t, err)
		require.True(t, claimed)

		_, ok, err := store.FindActiveStep(ctx, "hr", "load", "hr-1", since)
		require.NoError(t, err)
		assert.False(t, ok)

		holder, claimed, err := store.ClaimStep(ctx, "hr", domain.AttemptKey{ExecutionID: "hr-1", StepID: "load"}, since)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Empty(t, holder)

		found, ok, err := store.FindActiveStep(ctx, "sales", "load", "sales-2", since)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "sales-1", found)
	})
}
