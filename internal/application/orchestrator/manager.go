package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dapo/internal/application/status"
	"github.com/aescanero/dapo/internal/application/workers"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options tunes the manager
type Options struct {
	// MaxConcurrency is the limiter capacity of jobs that set none
	MaxConcurrency int
	// DuplicateWindow bounds the duplicate-run lookback
	DuplicateWindow time.Duration
}

// Manager runs job executions. Each execution gets one coordinating
// goroutine, its own limiter and worker pool; the status store is shared.
type Manager struct {
	catalog   ports.JobCatalog
	reporter  *status.Reporter
	worker    *workers.StepWorker
	validator *Validator
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	maxConcurrency int

	// Track active executions. lifecycle orders registration against Shutdown
	// so every registered execution sees the shutdown stop.
	lifecycle  sync.Mutex
	executions sync.Map // map[string]*executionContext
	active     atomic.Int64
	wg         sync.WaitGroup
	closing    atomic.Bool

	newID func() string
}

// executionContext holds the state of one active execution
type executionContext struct {
	id        string
	jobID     string
	startedAt time.Time
	ctl       *control
	limiter   *workers.Limiter
	pool      *workers.Pool
	done      chan struct{}
}

// NewManager creates a new orchestrator manager
func NewManager(
	catalog ports.JobCatalog,
	reporter *status.Reporter,
	resolver ports.ExecutorResolver,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	opts Options,
) *Manager {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	return &Manager{
		catalog:        catalog,
		reporter:       reporter,
		worker:         workers.NewStepWorker(reporter, resolver, metrics, logger, opts.DuplicateWindow),
		validator:      NewValidator(catalog),
		metrics:        metrics,
		logger:         logger.Named("orchestrator"),
		maxConcurrency: opts.MaxConcurrency,
		newID:          func() string { return uuid.New().String() },
	}
}

// Validator returns the validator used before every run
func (m *Manager) Validator() *Validator {
	return m.validator
}

// Launch creates an execution of the job and starts it in the background.
// When a dependency cycle is found the execution is recorded Failed, no step
// starts, and the returned error wraps the *domain.CycleError alongside the
// execution id.
func (m *Manager) Launch(ctx context.Context, jobID string, opts domain.RunOptions) (string, error) {
	if m.closing.Load() {
		return "", domain.ErrShuttingDown
	}

	job, err := m.catalog.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to get job: %w", err)
	}
	if err := m.validator.ValidateJob(job); err != nil {
		return "", err
	}
	steps, err := job.SelectSteps(opts.StepIDs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidJob, err)
	}

	execID := m.newID()
	exec := domain.NewExecution(execID, job, steps, opts, time.Now())
	if err := m.reporter.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	logger := m.logger.With(
		zap.String("execution_id", execID),
		zap.String("job_id", job.ID))

	if err := m.validator.CheckCycles(ctx, job, steps); err != nil {
		logger.Error("execution rejected", zap.Error(err))
		if serr := m.reporter.SetExecutionStatus(context.WithoutCancel(ctx), execID, domain.ExecutionStatusFailed, err.Error()); serr != nil {
			logger.Error("failed to record rejected execution", zap.Error(serr))
		}
		m.metrics.RecordExecutionFinished(job.ID, domain.ExecutionStatusFailed, 0)
		return execID, fmt.Errorf("execution %s not started: %w", execID, err)
	}

	capacity := job.MaxConcurrency
	if capacity <= 0 {
		capacity = m.maxConcurrency
	}
	ec := &executionContext{
		id:        execID,
		jobID:     job.ID,
		startedAt: time.Now(),
		ctl:       newControl(context.Background()),
		limiter:   workers.NewLimiter(capacity, job.TypeLimits),
		pool:      workers.NewPool(len(steps), logger),
		done:      make(chan struct{}),
	}

	run := &executionRun{
		executionID: execID,
		job:         job,
		steps:       steps,
		selected:    make(map[string]bool, len(steps)),
		opts:        opts,
		store:       m.reporter,
		worker:      m.worker,
		ctl:         ec.ctl,
		limiter:     ec.limiter,
		pool:        ec.pool,
		logger:      logger,
	}
	for _, s := range steps {
		run.selected[s.ID] = true
	}

	logger.Info("execution submitted",
		zap.String("mode", string(exec.Mode)),
		zap.Int("steps", len(steps)),
		zap.Int("max_concurrency", capacity),
		zap.String("requested_by", opts.RequestedBy))

	if !m.register(ec) {
		ec.ctl.finish()
		logger.Warn("execution not started: orchestrator shutting down")
		if err := m.reporter.SetExecutionStatus(context.WithoutCancel(ctx), execID,
			domain.ExecutionStatusSuspended, "orchestrator shut down before start"); err != nil {
			logger.Error("failed to record suspended execution", zap.Error(err))
		}
		return execID, domain.ErrShuttingDown
	}
	go m.execute(ec, exec.Mode, run)

	return execID, nil
}

// register makes ec visible to commands and Shutdown. It fails once Shutdown
// has started.
func (m *Manager) register(ec *executionContext) bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.closing.Load() {
		return false
	}
	m.executions.Store(ec.id, ec)
	m.metrics.SetActiveExecutions(int(m.active.Add(1)))
	m.wg.Add(1)
	return true
}

// Run launches an execution and waits for it to end
func (m *Manager) Run(ctx context.Context, jobID string, opts domain.RunOptions) (*domain.Execution, error) {
	id, err := m.Launch(ctx, jobID, opts)
	if err != nil {
		if id != "" {
			exec, gerr := m.reporter.GetExecution(context.WithoutCancel(ctx), id)
			if gerr == nil {
				return exec, err
			}
		}
		return nil, err
	}
	return m.Wait(ctx, id)
}

// Wait blocks until the execution is no longer active in this process and
// returns its final snapshot
func (m *Manager) Wait(ctx context.Context, executionID string) (*domain.Execution, error) {
	if v, ok := m.executions.Load(executionID); ok {
		ec := v.(*executionContext)
		select {
		case <-ec.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.GetExecution(ctx, executionID)
}

// GetExecution returns a snapshot of an execution
func (m *Manager) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	exec, err := m.reporter.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// execute is the coordinating goroutine of one execution
func (m *Manager) execute(ec *executionContext, mode domain.SchedulingMode, run *executionRun) {
	defer m.wg.Done()
	ctx := context.Background()
	logger := run.logger

	if err := m.reporter.SetExecutionStatus(ctx, ec.id, domain.ExecutionStatusRunning, ""); err != nil {
		logger.Error("failed to mark execution running", zap.Error(err))
	}
	m.metrics.RecordExecutionStarted(ec.jobID)

	var runErr error
	switch mode {
	case domain.SchedulingModePhase:
		runErr = run.runPhase(ctx)
	default:
		runErr = run.runDependency(ctx)
	}

	final, message := m.conclude(ctx, ec, runErr)
	if err := m.reporter.SetExecutionStatus(ctx, ec.id, final, message); err != nil {
		logger.Error("failed to record execution end", zap.Error(err))
	}

	duration := time.Since(ec.startedAt)
	m.metrics.RecordExecutionFinished(ec.jobID, final, duration)
	logger.Info("execution finished",
		zap.String("status", string(final)),
		zap.Duration("duration", duration))

	ec.ctl.finish()
	m.executions.Delete(ec.id)
	m.metrics.SetActiveExecutions(int(m.active.Add(-1)))
	close(ec.done)
}

// conclude derives the execution status once every worker returned
func (m *Manager) conclude(ctx context.Context, ec *executionContext, runErr error) (domain.ExecutionStatus, string) {
	if ec.ctl.shutdown() {
		return domain.ExecutionStatusSuspended, "suspended by orchestrator shutdown"
	}
	if runErr != nil {
		return domain.ExecutionStatusFailed, runErr.Error()
	}

	exec, err := m.reporter.GetExecution(ctx, ec.id)
	if err != nil {
		return domain.ExecutionStatusFailed, fmt.Sprintf("failed to read final state: %v", err)
	}
	final := exec.AggregateStatus()
	if !final.IsTerminal() {
		return domain.ExecutionStatusFailed, "execution ended with unfinished steps"
	}
	return final, ""
}

// HandleCommand routes a stop command to the execution it addresses. Stop
// commands are idempotent: repeating one, or sending one after the target
// finished, changes nothing and reports why.
func (m *Manager) HandleCommand(ctx context.Context, cmd domain.Command) domain.CommandResult {
	result := domain.CommandResult{
		CommandID:   cmd.ID,
		ExecutionID: cmd.ExecutionID,
		StepID:      cmd.StepID,
	}
	kind := "stop_execution"
	if cmd.StepID != "" {
		kind = "stop_step"
	}

	result.Outcome, result.Message = m.route(ctx, cmd)

	m.metrics.RecordCommand(kind, result.Outcome)
	m.reporter.PublishCommand(ctx, cmd, result)
	m.logger.Info("command handled",
		zap.String("command_id", cmd.ID),
		zap.String("kind", kind),
		zap.String("execution_id", cmd.ExecutionID),
		zap.String("step_id", cmd.StepID),
		zap.String("requested_by", cmd.RequestedBy),
		zap.String("outcome", string(result.Outcome)))
	return result
}

func (m *Manager) route(ctx context.Context, cmd domain.Command) (domain.CommandOutcome, string) {
	if err := cmd.Validate(); err != nil {
		return domain.CommandNotFound, err.Error()
	}

	v, active := m.executions.Load(cmd.ExecutionID)
	exec, err := m.reporter.GetExecution(ctx, cmd.ExecutionID)
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			return domain.CommandNotFound, "execution not found"
		}
		return domain.CommandNotFound, fmt.Sprintf("failed to read execution: %v", err)
	}

	var se *domain.StepExecution
	if cmd.StepID != "" {
		if se, err = exec.StepExecution(cmd.StepID); err != nil {
			return domain.CommandNotFound, "step is not part of the execution"
		}
	}

	if !active {
		if exec.Status.IsTerminal() {
			return domain.CommandAlreadyFinished, fmt.Sprintf("execution already finished with status %s", exec.Status)
		}
		return domain.CommandNotFound, "execution is not running in this process"
	}
	ec := v.(*executionContext)
	req := &domain.StopRequest{RequestedBy: cmd.RequestedBy}

	if se == nil {
		if ec.ctl.stopAll(req) {
			return domain.CommandAccepted, ""
		}
		if ec.ctl.stopping() {
			return domain.CommandAlreadyRequested, "stop already requested"
		}
		return domain.CommandAlreadyFinished, "execution already finished"
	}

	if se.Status.IsTerminal() {
		return domain.CommandAlreadyFinished, fmt.Sprintf("step already finished with status %s", se.Status)
	}
	if ec.ctl.stopStep(cmd.StepID, req) {
		return domain.CommandAccepted, ""
	}
	return domain.CommandAlreadyRequested, "stop already requested"
}

// Loads reports the in-flight work of every active execution
func (m *Manager) Loads() []workers.Load {
	var loads []workers.Load
	m.executions.Range(func(key, value interface{}) bool {
		ec := value.(*executionContext)
		loads = append(loads, workers.Load{
			ExecutionID:   ec.id,
			JobID:         ec.jobID,
			Tasks:         ec.pool.Tasks(),
			RunningSteps:  ec.pool.InFlight(),
			SlotsInUse:    ec.limiter.InUse(),
			SlotsCapacity: ec.limiter.Capacity(),
			TypeSlots:     ec.limiter.TypeSlots(),
		})
		return true
	})
	sort.Slice(loads, func(i, j int) bool { return loads[i].ExecutionID < loads[j].ExecutionID })
	return loads
}

// ActiveExecutions lists the ids of the executions running in this process
func (m *Manager) ActiveExecutions() []string {
	var ids []string
	m.executions.Range(func(key, value interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Shutdown gracefully shuts down the manager. Running executions are stopped
// with a shutdown cause and end Suspended.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.lifecycle.Lock()
	m.closing.Store(true)
	m.executions.Range(func(key, value interface{}) bool {
		ec := value.(*executionContext)
		ec.ctl.stopAll(&domain.StopRequest{Shutdown: true})
		return true
	})
	m.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("orchestrator manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain executions: %w", ctx.Err())
	}
}
