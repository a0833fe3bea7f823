package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"go.uber.org/zap"
)

// DefaultDuplicateWindow bounds how far back the duplicate-run guard looks
const DefaultDuplicateWindow = 24 * time.Hour

// StepRun identifies one step of one execution
type StepRun struct {
	ExecutionID string
	JobID       string
	RequestedBy string
	Step        *domain.Step
}

// StepWorker drives one step through its attempts: duplicate guard, retry
// budget, per-attempt timeout and cooperative stop. Step outcomes are
// recorded in the status store and returned, never raised as errors.
type StepWorker struct {
	store           ports.StatusStore
	resolver        ports.ExecutorResolver
	metrics         ports.MetricsCollector
	logger          *zap.Logger
	duplicateWindow time.Duration
	now             func() time.Time
}

// NewStepWorker creates a step worker. A non-positive window uses DefaultDuplicateWindow.
func NewStepWorker(
	store ports.StatusStore,
	resolver ports.ExecutorResolver,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	duplicateWindow time.Duration,
) *StepWorker {
	if duplicateWindow <= 0 {
		duplicateWindow = DefaultDuplicateWindow
	}
	return &StepWorker{
		store:           store,
		resolver:        resolver,
		metrics:         metrics,
		logger:          logger.Named("worker"),
		duplicateWindow: duplicateWindow,
		now:             time.Now,
	}
}

// attemptResult is the classified outcome of one executor call
type attemptResult struct {
	outcome   domain.AttemptOutcome
	startedAt time.Time
}

func (r attemptResult) stopped() bool {
	return r.outcome.Status == domain.ExecutionStatusStopped
}

func (r attemptResult) succeeded() bool {
	return r.outcome.Status == domain.ExecutionStatusSucceeded
}

// Run executes the step. ctx is the step's stop signal; its cancellation
// cause is a *domain.StopRequest. The limiter slot is taken inside Run so
// that launching never blocks the caller.
func (w *StepWorker) Run(ctx context.Context, limiter *Limiter, run StepRun) domain.ExecutionStatus {
	step := run.Step
	logger := w.logger.With(
		zap.String("execution_id", run.ExecutionID),
		zap.String("job_id", run.JobID),
		zap.String("step_id", step.ID))
	// status writes must land even after a stop
	wctx := context.WithoutCancel(ctx)
	first := domain.AttemptKey{ExecutionID: run.ExecutionID, StepID: step.ID}

	waitStart := w.now()
	release, err := limiter.Acquire(ctx, step.Type())
	if err != nil {
		logger.Info("stopped while waiting for a slot")
		return w.finish(wctx, logger, run, first, StopOutcome(ctx, "stopped before start"))
	}
	defer release()
	w.metrics.ObserveSlotWait(step.Type(), w.now().Sub(waitStart))

	since := w.now().Add(-w.duplicateWindow)
	if holder, found, err := w.store.FindActiveStep(wctx, run.JobID, step.ID, run.ExecutionID, since); err != nil {
		logger.Error("failed to check for a concurrent run", zap.Error(err))
		return w.finish(wctx, logger, run, first, storeFailure(err))
	} else if found {
		return w.finish(wctx, logger, run, first, duplicateOutcome(holder))
	}

	if ctx.Err() != nil {
		return w.finish(wctx, logger, run, first, StopOutcome(ctx, "stopped before start"))
	}

	holder, claimed, err := w.store.ClaimStep(wctx, run.JobID, first, since)
	if err != nil {
		logger.Error("failed to claim step", zap.Error(err))
		return w.finish(wctx, logger, run, first, storeFailure(err))
	}
	if !claimed {
		return w.finish(wctx, logger, run, first, duplicateOutcome(holder))
	}
	defer func() {
		if err := w.store.ReleaseStep(wctx, run.JobID, run.ExecutionID, step.ID); err != nil {
			logger.Warn("failed to release step claim", zap.Error(err))
		}
	}()

	maxAttempts := step.MaxAttempts()
	for attempt := 0; ; attempt++ {
		key := first
		key.Attempt = attempt
		if attempt > 0 {
			if err := w.store.RecordStart(wctx, key); err != nil {
				logger.Error("failed to record attempt start", zap.Int("attempt", attempt), zap.Error(err))
				return w.finish(wctx, logger, run, key, storeFailure(err))
			}
		}

		res := w.attempt(ctx, wctx, run, key)
		w.metrics.ObserveAttemptDuration(step.Type(), res.outcome.Status, w.now().Sub(res.startedAt))

		if res.succeeded() || res.stopped() || attempt+1 >= maxAttempts {
			return w.finish(wctx, logger, run, key, res.outcome)
		}

		retry := res.outcome
		retry.Status = domain.ExecutionStatusAwaitRetry
		if err := w.store.RecordEnd(wctx, key, retry); err != nil {
			logger.Error("failed to record retry", zap.Int("attempt", attempt), zap.Error(err))
			return w.finish(wctx, logger, run, key, storeFailure(err))
		}
		logger.Info("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("reason", string(retry.Reason)),
			zap.String("error", retry.ErrorMessage),
			zap.Duration("retry_interval", step.RetryInterval))

		if !waitRetry(ctx, step.RetryInterval) {
			next := first
			next.Attempt = attempt + 1
			return w.finish(wctx, logger, run, next, StopOutcome(ctx, "stopped during retry wait"))
		}
	}
}

// attempt calls the executor once with the step timeout layered over the stop signal
func (w *StepWorker) attempt(ctx, wctx context.Context, run StepRun, key domain.AttemptKey) attemptResult {
	step := run.Step
	res := attemptResult{startedAt: w.now()}

	executor, err := w.resolver.Resolve(step.Type())
	if err != nil {
		res.outcome = domain.AttemptOutcome{
			Status:       domain.ExecutionStatusFailed,
			Reason:       domain.FailureReasonError,
			ErrorMessage: err.Error(),
		}
		return res
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if step.Timeout > 0 {
		actx, cancel = context.WithTimeoutCause(ctx, step.Timeout, domain.ErrStepTimeout)
	}
	defer cancel()

	req := ports.ExecuteRequest{
		ExecutionID: run.ExecutionID,
		JobID:       run.JobID,
		Step:        step,
		Attempt:     key.Attempt,
		RequestedBy: run.RequestedBy,
		Progress: func(message string) {
			if err := w.store.RecordStatus(wctx, key, domain.ExecutionStatusRunning, message); err != nil {
				w.logger.Debug("failed to record progress",
					zap.String("execution_id", key.ExecutionID),
					zap.String("step_id", key.StepID),
					zap.Error(err))
			}
		},
	}

	out, err := safeExecute(actx, executor, req)
	var info string
	if out != nil {
		info = out.InfoMessage
	}

	var panicErr *panicError
	switch {
	case err == nil:
		res.outcome = domain.AttemptOutcome{Status: domain.ExecutionStatusSucceeded, InfoMessage: info}
	case errors.As(err, &panicErr):
		w.logger.Error("executor panicked",
			zap.String("execution_id", key.ExecutionID),
			zap.String("step_id", key.StepID),
			zap.Int("attempt", key.Attempt),
			zap.ByteString("stack", panicErr.stack))
		res.outcome = domain.AttemptOutcome{
			Status:       domain.ExecutionStatusFailed,
			Reason:       domain.FailureReasonPanic,
			ErrorMessage: err.Error(),
			InfoMessage:  info,
		}
	case ctx.Err() != nil:
		res.outcome = StopOutcome(ctx, "")
		res.outcome.InfoMessage = info
	case actx.Err() != nil && errors.Is(context.Cause(actx), domain.ErrStepTimeout):
		res.outcome = domain.AttemptOutcome{
			Status:       domain.ExecutionStatusFailed,
			Reason:       domain.FailureReasonTimeout,
			ErrorMessage: fmt.Sprintf("step timed out after %s", step.Timeout),
			InfoMessage:  info,
		}
	default:
		res.outcome = domain.AttemptOutcome{
			Status:       domain.ExecutionStatusFailed,
			Reason:       domain.FailureReasonError,
			ErrorMessage: err.Error(),
			InfoMessage:  info,
		}
	}
	return res
}

// finish records the terminal outcome of the step
func (w *StepWorker) finish(ctx context.Context, logger *zap.Logger, run StepRun, key domain.AttemptKey, outcome domain.AttemptOutcome) domain.ExecutionStatus {
	if err := w.store.RecordEnd(ctx, key, outcome); err != nil {
		logger.Error("failed to record step end",
			zap.Int("attempt", key.Attempt),
			zap.String("status", string(outcome.Status)),
			zap.Error(err))
	}
	w.metrics.RecordStepFinished(run.Step.Type(), outcome.Status)

	fields := []zap.Field{
		zap.Int("attempt", key.Attempt),
		zap.String("status", string(outcome.Status)),
	}
	if outcome.ErrorMessage != "" {
		fields = append(fields, zap.String("error", outcome.ErrorMessage))
	}
	logger.Info("step finished", fields...)

	return outcome.Status
}

// waitRetry sleeps for d unless the stop signal fires first
func waitRetry(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// StopOutcome describes a stop from the cancellation cause of ctx, prefixed by detail
func StopOutcome(ctx context.Context, detail string) domain.AttemptOutcome {
	outcome := domain.AttemptOutcome{
		Status: domain.ExecutionStatusStopped,
		Reason: domain.FailureReasonStopped,
	}
	cause := context.Cause(ctx)
	var stop *domain.StopRequest
	if errors.As(cause, &stop) {
		outcome.StoppedBy = stop.RequestedBy
		if stop.Shutdown {
			outcome.StoppedBy = "orchestrator"
		}
	}
	msg := "stopped"
	if cause != nil {
		msg = cause.Error()
	}
	if detail != "" {
		msg = detail + ": " + msg
	}
	outcome.ErrorMessage = msg
	return outcome
}

func duplicateOutcome(holder string) domain.AttemptOutcome {
	return domain.AttemptOutcome{
		Status:       domain.ExecutionStatusDuplicate,
		ErrorMessage: fmt.Sprintf("step is already running in execution %s", holder),
	}
}

func storeFailure(err error) domain.AttemptOutcome {
	return domain.AttemptOutcome{
		Status:       domain.ExecutionStatusFailed,
		Reason:       domain.FailureReasonError,
		ErrorMessage: fmt.Sprintf("status store failure: %v", err),
	}
}

type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("executor panicked: %v", e.value)
}

func safeExecute(ctx context.Context, executor ports.StepExecutor, req ports.ExecuteRequest) (out *ports.ExecuteResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return executor.Execute(ctx, req)
}
