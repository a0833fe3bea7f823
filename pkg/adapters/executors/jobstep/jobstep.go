// Package jobstep runs job steps by starting a child execution of another job.
package jobstep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"go.uber.org/zap"
)

// JobLauncher starts and observes executions. The orchestrator implements it.
type JobLauncher interface {
	ports.CommandHandler
	Launch(ctx context.Context, jobID string, opts domain.RunOptions) (string, error)
	Wait(ctx context.Context, executionID string) (*domain.Execution, error)
}

// Executor implements ports.StepExecutor for job steps
type Executor struct {
	launcher JobLauncher
	logger   *zap.Logger
}

// New creates a job step executor
func New(launcher JobLauncher, logger *zap.Logger) *Executor {
	return &Executor{launcher: launcher, logger: logger}
}

// Execute starts the child execution. A synchronized step waits for it and
// succeeds only when the child ends Succeeded or Warning; cancelling the step
// stops the child.
func (e *Executor) Execute(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
	cfg, ok := req.Step.Config.(*domain.JobConfig)
	if !ok {
		return nil, fmt.Errorf("step %s is not a job step", req.Step.ID)
	}

	childID, err := e.launcher.Launch(ctx, cfg.JobID, domain.RunOptions{
		RequestedBy:       req.RequestedBy,
		ParentExecutionID: req.ExecutionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", cfg.JobID, err)
	}

	e.logger.Info("child execution started",
		zap.String("execution_id", req.ExecutionID),
		zap.String("step_id", req.Step.ID),
		zap.String("child_execution_id", childID),
		zap.String("job_id", cfg.JobID))

	if req.Progress != nil {
		req.Progress(fmt.Sprintf("child execution %s started", childID))
	}
	if !cfg.Synchronized {
		return &ports.ExecuteResult{InfoMessage: fmt.Sprintf("started execution %s of job %s", childID, cfg.JobID)}, nil
	}

	child, err := e.launcher.Wait(ctx, childID)
	if err != nil {
		if ctx.Err() == nil {
			return nil, fmt.Errorf("failed to wait for execution %s: %w", childID, err)
		}
		e.stopChild(req, childID, context.Cause(ctx))
		return nil, fmt.Errorf("child execution %s interrupted: %w", childID, context.Cause(ctx))
	}

	info := fmt.Sprintf("execution %s of job %s ended with status %s", childID, cfg.JobID, child.Status)
	switch child.Status {
	case domain.ExecutionStatusSucceeded, domain.ExecutionStatusWarning:
		return &ports.ExecuteResult{InfoMessage: info}, nil
	default:
		return &ports.ExecuteResult{InfoMessage: info}, errors.New(info)
	}
}

func (e *Executor) stopChild(req ports.ExecuteRequest, childID string, cause error) {
	requestedBy := req.RequestedBy
	var stop *domain.StopRequest
	if errors.As(cause, &stop) && stop.RequestedBy != "" {
		requestedBy = stop.RequestedBy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := e.launcher.HandleCommand(ctx, domain.Command{
		ExecutionID: childID,
		RequestedBy: requestedBy,
		IssuedAt:    time.Now(),
	})
	e.logger.Info("child execution stop requested",
		zap.String("execution_id", req.ExecutionID),
		zap.String("child_execution_id", childID),
		zap.String("outcome", string(res.Outcome)))
}
