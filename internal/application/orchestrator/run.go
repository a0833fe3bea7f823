package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/aescanero/dapo/internal/application/workers"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"go.uber.org/zap"
)

// executionRun is the coordinating state of one execution: the selected
// steps, the stop signals, the limiter and the worker pool. It is only
// touched by the coordinating goroutine, except for the pool and control
// which carry their own synchronization.
type executionRun struct {
	executionID string
	job         *domain.Job
	steps       []*domain.Step
	selected    map[string]bool
	opts        domain.RunOptions

	store   ports.StatusStore
	worker  *workers.StepWorker
	ctl     *control
	limiter *workers.Limiter
	pool    *workers.Pool
	logger  *zap.Logger

	// launched workers whose completion was not consumed yet
	outstanding int
}

func (r *executionRun) launch(step *domain.Step) error {
	run := workers.StepRun{
		ExecutionID: r.executionID,
		JobID:       r.job.ID,
		RequestedBy: r.opts.RequestedBy,
		Step:        step,
	}
	err := r.pool.Launch(r.ctl.stepContext(step.ID), step.ID, func(ctx context.Context) domain.ExecutionStatus {
		return r.worker.Run(ctx, r.limiter, run)
	})
	if err != nil {
		return fmt.Errorf("failed to launch step %s: %w", step.ID, err)
	}
	r.outstanding++
	return nil
}

// next waits for one launched worker; it returns early when ctx is done
func (r *executionRun) next(ctx context.Context) {
	c, err := r.pool.Next(ctx)
	if err != nil {
		return
	}
	r.outstanding--
	r.logger.Debug("step completed",
		zap.String("step_id", c.StepID),
		zap.String("status", string(c.Status)))
}

// drain waits for every launched worker
func (r *executionRun) drain() {
	for r.outstanding > 0 {
		r.next(context.Background())
	}
	r.pool.Wait()
}

// end records a terminal outcome for a step that was never launched
func (r *executionRun) end(ctx context.Context, stepID string, outcome domain.AttemptOutcome) error {
	key := domain.AttemptKey{ExecutionID: r.executionID, StepID: stepID}
	if err := r.store.RecordEnd(ctx, key, outcome); err != nil {
		return fmt.Errorf("failed to record %s for step %s: %w", outcome.Status, stepID, err)
	}
	r.logger.Info("step finished without running",
		zap.String("step_id", stepID),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.ErrorMessage))
	return nil
}

// stopRemaining marks every step in ids Stopped after a whole-execution stop
func (r *executionRun) stopRemaining(ctx context.Context, ids []string) error {
	outcome := workers.StopOutcome(r.ctl.ctx, "stopped before start")
	for _, id := range ids {
		if err := r.end(ctx, id, outcome); err != nil {
			return err
		}
	}
	return nil
}

func sortedIDs(steps map[string]*domain.Step) []string {
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
