// Package status serializes status transitions into the status store and
// publishes an event for each of them.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic is the event bus topic carrying execution events
const Topic = "execution.events"

// Reporter decorates a ports.StatusStore: every successful write is followed
// by a domain.Event on Topic. Publishing is best effort; a bus failure is
// logged and never fails the transition.
type Reporter struct {
	store  ports.StatusStore
	bus    ports.EventBus
	logger *zap.Logger

	jobs sync.Map // execution id -> job id
	now  func() time.Time
}

// NewReporter creates a reporter. bus may be nil.
func NewReporter(store ports.StatusStore, bus ports.EventBus, logger *zap.Logger) *Reporter {
	return &Reporter{
		store:  store,
		bus:    bus,
		logger: logger.Named("status"),
		now:    time.Now,
	}
}

// CreateExecution stores the execution
func (r *Reporter) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return err
	}
	r.jobs.Store(exec.ID, exec.JobID)
	return nil
}

// GetExecution reads a snapshot
func (r *Reporter) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	return r.store.GetExecution(ctx, executionID)
}

// SetExecutionStatus moves the execution and publishes execution.started or execution.finished
func (r *Reporter) SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error {
	if err := r.store.SetExecutionStatus(ctx, executionID, status, message); err != nil {
		return err
	}

	eventType := domain.EventTypeExecutionStarted
	if status.IsTerminal() {
		eventType = domain.EventTypeExecutionFinished
	}
	r.publish(ctx, domain.Event{
		Type:        eventType,
		ExecutionID: executionID,
		Status:      status,
		Message:     message,
	})

	r.logger.Info("execution status",
		zap.String("execution_id", executionID),
		zap.String("status", string(status)),
		zap.String("message", message))

	if status.IsTerminal() {
		r.jobs.Delete(executionID)
	}
	return nil
}

// RecordStart records a Running attempt
func (r *Reporter) RecordStart(ctx context.Context, key domain.AttemptKey) error {
	if err := r.store.RecordStart(ctx, key); err != nil {
		return err
	}
	r.publishStep(ctx, key, domain.ExecutionStatusRunning, "")
	return nil
}

// RecordStatus updates a running attempt
func (r *Reporter) RecordStatus(ctx context.Context, key domain.AttemptKey, status domain.ExecutionStatus, message string) error {
	if err := r.store.RecordStatus(ctx, key, status, message); err != nil {
		return err
	}
	r.publishStep(ctx, key, status, message)
	return nil
}

// RecordEnd finishes an attempt
func (r *Reporter) RecordEnd(ctx context.Context, key domain.AttemptKey, outcome domain.AttemptOutcome) error {
	if err := r.store.RecordEnd(ctx, key, outcome); err != nil {
		return err
	}

	message := outcome.ErrorMessage
	if message == "" {
		message = outcome.InfoMessage
	}
	r.publishStep(ctx, key, outcome.Status, message)

	r.logger.Debug("attempt ended",
		zap.String("execution_id", key.ExecutionID),
		zap.String("step_id", key.StepID),
		zap.Int("attempt", key.Attempt),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", string(outcome.Reason)))
	return nil
}

// GetTerminalStatus reads a step's terminal status
func (r *Reporter) GetTerminalStatus(ctx context.Context, executionID, stepID string) (domain.ExecutionStatus, bool, error) {
	return r.store.GetTerminalStatus(ctx, executionID, stepID)
}

// StepStatuses reads one snapshot of every step status
func (r *Reporter) StepStatuses(ctx context.Context, executionID string) (map[string]domain.ExecutionStatus, error) {
	return r.store.StepStatuses(ctx, executionID)
}

// FindActiveStep looks for a concurrent run of the step of jobID
func (r *Reporter) FindActiveStep(ctx context.Context, jobID, stepID, excludeExecutionID string, since time.Time) (string, bool, error) {
	return r.store.FindActiveStep(ctx, jobID, stepID, excludeExecutionID, since)
}

// ClaimStep claims the step and records its first attempt
func (r *Reporter) ClaimStep(ctx context.Context, jobID string, key domain.AttemptKey, since time.Time) (string, bool, error) {
	holder, claimed, err := r.store.ClaimStep(ctx, jobID, key, since)
	if err != nil || !claimed {
		return holder, claimed, err
	}
	r.publishStep(ctx, key, domain.ExecutionStatusRunning, "")
	return holder, claimed, nil
}

// ReleaseStep drops a claim
func (r *Reporter) ReleaseStep(ctx context.Context, jobID, executionID, stepID string) error {
	return r.store.ReleaseStep(ctx, jobID, executionID, stepID)
}

// PublishCommand announces a received command on the execution's event stream
func (r *Reporter) PublishCommand(ctx context.Context, cmd domain.Command, result domain.CommandResult) {
	r.publish(ctx, domain.Event{
		Type:        domain.EventTypeCommandReceived,
		ExecutionID: cmd.ExecutionID,
		StepID:      cmd.StepID,
		Message:     result.Message,
		Data: map[string]interface{}{
			"command_id":   cmd.ID,
			"requested_by": cmd.RequestedBy,
			"outcome":      string(result.Outcome),
		},
	})
}

func (r *Reporter) publishStep(ctx context.Context, key domain.AttemptKey, status domain.ExecutionStatus, message string) {
	r.publish(ctx, domain.Event{
		Type:        domain.EventTypeStepStatus,
		ExecutionID: key.ExecutionID,
		StepID:      key.StepID,
		Attempt:     key.Attempt,
		Status:      status,
		Message:     message,
	})
}

func (r *Reporter) publish(ctx context.Context, event domain.Event) {
	if r.bus == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = r.now()
	if jobID, ok := r.jobs.Load(event.ExecutionID); ok {
		event.JobID = jobID.(string)
	}

	if err := r.bus.Publish(context.WithoutCancel(ctx), Topic, event); err != nil {
		r.logger.Warn("failed to publish event",
			zap.String("execution_id", event.ExecutionID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
