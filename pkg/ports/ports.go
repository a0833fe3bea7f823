// Package ports defines the boundaries between the orchestration core and
// its collaborators: step executors, the status store, the job catalog, the
// event bus, the command transports and the metrics collector.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
)

// ExecuteRequest is handed to a step executor for one attempt
type ExecuteRequest struct {
	ExecutionID string
	JobID       string
	Step        *domain.Step
	Attempt     int
	RequestedBy string
	// Progress records an informational message on the running attempt. May be nil.
	Progress func(message string)
}

// ExecuteResult carries the informational output of a successful or failed attempt
type ExecuteResult struct {
	InfoMessage string
}

// StepExecutor runs one attempt of one step type. The context is the
// combined stop/timeout signal; implementations must stop the underlying
// operation when it is done and must not retry internally.
type StepExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// StepExecutorFunc adapts a function to StepExecutor
type StepExecutorFunc func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)

func (f StepExecutorFunc) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	return f(ctx, req)
}

// ExecutorResolver finds the executor for a step type
type ExecutorResolver interface {
	Resolve(stepType domain.StepType) (StepExecutor, error)
}

// StatusStore persists executions and serializes every status write.
// Snapshots returned to callers are copies.
type StatusStore interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error

	// RecordStart appends a Running attempt
	RecordStart(ctx context.Context, key domain.AttemptKey) error
	// RecordStatus updates a running attempt (and its step) without ending it
	RecordStatus(ctx context.Context, key domain.AttemptKey, status domain.ExecutionStatus, message string) error
	// RecordEnd finishes an attempt, creating it with start=end=now when it never started.
	// An AwaitRetry outcome ends the attempt but leaves the step non-terminal.
	RecordEnd(ctx context.Context, key domain.AttemptKey, outcome domain.AttemptOutcome) error

	GetTerminalStatus(ctx context.Context, executionID, stepID string) (domain.ExecutionStatus, bool, error)
	StepStatuses(ctx context.Context, executionID string) (map[string]domain.ExecutionStatus, error)

	// FindActiveStep returns another active execution of the same job in which the
	// step is running, looking back no further than since. Step ids are only unique
	// within a job, so the guard is scoped to (jobID, stepID).
	FindActiveStep(ctx context.Context, jobID, stepID, excludeExecutionID string, since time.Time) (string, bool, error)
	// ClaimStep atomically re-checks FindActiveStep and records the first attempt start.
	// When another execution holds the step it returns that execution id and claimed=false.
	ClaimStep(ctx context.Context, jobID string, key domain.AttemptKey, since time.Time) (holder string, claimed bool, err error)
	// ReleaseStep drops a claim once the step is terminal
	ReleaseStep(ctx context.Context, jobID, executionID, stepID string) error
}

// JobCatalog provides job definitions
type JobCatalog interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]*domain.Job, error)
}

// EventHandler processes a published event
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus distributes status events
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// CommandHandler routes a command to the execution it addresses
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd domain.Command) domain.CommandResult
}

// CommandSource is a long-lived listener delivering commands to a handler.
// Listen blocks until the context is done.
type CommandSource interface {
	Listen(ctx context.Context, handler CommandHandler) error
}

// CommandSender delivers a command to an orchestrating process
type CommandSender interface {
	Send(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error)
}

// MetricsCollector records orchestration metrics
type MetricsCollector interface {
	RecordExecutionStarted(jobID string)
	RecordExecutionFinished(jobID string, status domain.ExecutionStatus, duration time.Duration)
	RecordStepFinished(stepType domain.StepType, status domain.ExecutionStatus)
	ObserveAttemptDuration(stepType domain.StepType, status domain.ExecutionStatus, duration time.Duration)
	ObserveSlotWait(stepType domain.StepType, duration time.Duration)
	SetRunningSteps(count int)
	RecordCommand(kind string, outcome domain.CommandOutcome)
	RecordLimiterUsage(inUse, capacity int)
	SetActiveExecutions(count int)
}
