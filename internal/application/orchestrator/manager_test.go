package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/dapo/internal/application/status"
	"github.com/aescanero/dapo/internal/application/workers"
	catalogmem "github.com/aescanero/dapo/pkg/adapters/catalog/memory"
	"github.com/aescanero/dapo/pkg/adapters/executors/jobstep"
	"github.com/aescanero/dapo/pkg/adapters/executors/registry"
	"github.com/aescanero/dapo/pkg/adapters/metrics/noop"
	"github.com/aescanero/dapo/pkg/adapters/storage/memory"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ jobstep.JobLauncher = (*Manager)(nil)
	_ ports.CommandHandler = (*Manager)(nil)
)

type stepFunc func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error)

type harness struct {
	manager  *Manager
	catalog  *catalogmem.Catalog
	store    *memory.StatusStore
	registry *registry.Registry

	mu      sync.Mutex
	scripts map[string]stepFunc
	calls   map[string]int
}

func newHarness(t *testing.T, jobs ...*domain.Job) *harness {
	h := &harness{
		catalog:  catalogmem.NewCatalog(jobs...),
		store:    memory.NewStatusStore(),
		registry: registry.New(),
		scripts:  make(map[string]stepFunc),
		calls:    make(map[string]int),
	}
	h.registry.Register(domain.StepTypeExec, ports.StepExecutorFunc(h.execute))

	logger := zap.NewNop()
	reporter := status.NewReporter(h.store, nil, logger)
	h.manager = NewManager(h.catalog, reporter, h.registry, noop.Collector{}, logger, Options{
		MaxConcurrency:  4,
		DuplicateWindow: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func (h *harness) script(stepID string, fn stepFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts[stepID] = fn
}

func (h *harness) callCount(stepID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[stepID]
}

func (h *harness) execute(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
	h.mu.Lock()
	h.calls[req.Step.ID]++
	fn := h.scripts[req.Step.ID]
	h.mu.Unlock()

	if fn == nil {
		return &ports.ExecuteResult{InfoMessage: "ok"}, nil
	}
	return fn(ctx, req)
}

func (h *harness) run(t *testing.T, jobID string, opts domain.RunOptions) *domain.Execution {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := h.manager.Run(ctx, jobID, opts)
	require.NoError(t, err)
	return exec
}

func (h *harness) waitRunning(t *testing.T, executionID, stepID string) {
	require.Eventually(t, func() bool {
		st, err := h.store.StepStatuses(context.Background(), executionID)
		return err == nil && st[stepID] == domain.ExecutionStatusRunning
	}, 5*time.Second, 5*time.Millisecond)
}

func step(id string) *domain.Step {
	return &domain.Step{ID: id, Config: &domain.ExecConfig{Path: "/usr/bin/" + id}}
}

func fail(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
	return nil, errors.New("exit status 1")
}

func block(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
	<-ctx.Done()
	return nil, context.Cause(ctx)
}

func TestCycleFailsExecutionBeforeAnyStep(t *testing.T) {
	job := &domain.Job{
		ID:    "cyclic",
		Steps: []*domain.Step{step("a"), step("b"), step("c")},
		Dependencies: []domain.Dependency{
			{StepID: "a", DependsOn: "b", Strict: true},
			{StepID: "b", DependsOn: "a", Strict: true},
		},
	}
	h := newHarness(t, job)

	id, err := h.manager.Launch(context.Background(), "cyclic", domain.RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCyclicDependency))
	require.NotEmpty(t, id)

	var cycleErr *domain.CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, "step", cycleErr.Scope)
	assert.Equal(t, [][]string{{"a", "b"}}, cycleErr.Cycles)

	exec, err := h.manager.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Message, "a -> b -> a")
	for _, se := range exec.Steps {
		assert.Equal(t, domain.ExecutionStatusNotStarted, se.Status)
		assert.Empty(t, se.Attempts)
	}
	assert.Zero(t, h.callCount("c"))
}

func TestJobInvocationCycle(t *testing.T) {
	first := &domain.Job{ID: "first", Steps: []*domain.Step{
		{ID: "call-second", Config: &domain.JobConfig{JobID: "second"}},
	}}
	second := &domain.Job{ID: "second", Steps: []*domain.Step{
		{ID: "call-first", Config: &domain.JobConfig{JobID: "first"}},
	}}
	h := newHarness(t, first, second)

	_, err := h.manager.Launch(context.Background(), "first", domain.RunOptions{})
	var cycleErr *domain.CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, "job", cycleErr.Scope)
	assert.Equal(t, [][]string{{"first", "second"}}, cycleErr.Cycles)
}

func TestStrictSkipAndNonStrictProceed(t *testing.T) {
	a := step("a")
	a.RetryAttempts = 1
	job := &domain.Job{
		ID:    "etl",
		Steps: []*domain.Step{a, step("b"), step("c")},
		Dependencies: []domain.Dependency{
			{StepID: "b", DependsOn: "a", Strict: true},
			{StepID: "c", DependsOn: "a", Strict: false},
		},
	}
	h := newHarness(t, job)
	h.script("a", fail)

	exec := h.run(t, "etl", domain.RunOptions{RequestedBy: "tester"})

	assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 2, h.callCount("a"))
	require.Len(t, exec.Steps["a"].Attempts, 2)
	assert.Equal(t, domain.ExecutionStatusFailed, exec.Steps["a"].Status)

	b := exec.Steps["b"]
	assert.Equal(t, domain.ExecutionStatusSkipped, b.Status)
	require.Len(t, b.Attempts, 1)
	assert.Equal(t, b.Attempts[0].StartedAt, *b.Attempts[0].EndedAt)
	assert.Zero(t, h.callCount("b"))

	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Steps["c"].Status)
	assert.Equal(t, 1, h.callCount("c"))
	assert.NotNil(t, exec.EndedAt)
}

func TestSkipCascades(t *testing.T) {
	job := &domain.Job{
		ID:    "chain",
		Steps: []*domain.Step{step("a"), step("b"), step("c"), step("d")},
		Dependencies: []domain.Dependency{
			{StepID: "b", DependsOn: "a", Strict: true},
			{StepID: "c", DependsOn: "b", Strict: true},
			{StepID: "d", DependsOn: "c", Strict: false},
		},
	}
	h := newHarness(t, job)
	h.script("a", fail)

	exec := h.run(t, "chain", domain.RunOptions{})

	assert.Equal(t, domain.ExecutionStatusSkipped, exec.Steps["b"].Status)
	assert.Equal(t, domain.ExecutionStatusSkipped, exec.Steps["c"].Status)
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Steps["d"].Status)
}

func TestDependencyOutsideSelectionIsSatisfied(t *testing.T) {
	job := &domain.Job{
		ID:           "partial",
		Steps:        []*domain.Step{step("a"), step("b")},
		Dependencies: []domain.Dependency{{StepID: "b", DependsOn: "a", Strict: true}},
	}
	h := newHarness(t, job)

	exec := h.run(t, "partial", domain.RunOptions{StepIDs: []string{"b"}})

	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Status)
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Steps["b"].Status)
	assert.Zero(t, h.callCount("a"))
}

func TestDependentsWaitForPredecessors(t *testing.T) {
	job := &domain.Job{
		ID:    "ordered",
		Steps: []*domain.Step{step("extract"), step("transform"), step("load")},
		Dependencies: []domain.Dependency{
			{StepID: "transform", DependsOn: "extract", Strict: true},
			{StepID: "load", DependsOn: "transform", Strict: true},
		},
	}
	h := newHarness(t, job)

	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, req.Step.ID)
		mu.Unlock()
		return nil, nil
	}
	for _, s := range job.Steps {
		h.script(s.ID, record)
	}

	exec := h.run(t, "ordered", domain.RunOptions{})
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Status)
	assert.Equal(t, []string{"extract", "transform", "load"}, order)
}

func TestPhaseOrdering(t *testing.T) {
	x, y, z := step("x"), step("y"), step("z")
	x.Phase, y.Phase, z.Phase = 1, 1, 2
	job := &domain.Job{ID: "phased", Mode: domain.SchedulingModePhase, Steps: []*domain.Step{z, y, x}}
	h := newHarness(t, job)

	var mu sync.Mutex
	ended := make(map[string]time.Time)
	started := make(map[string]time.Time)
	track := func(d time.Duration, err error) stepFunc {
		return func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
			mu.Lock()
			started[req.Step.ID] = time.Now()
			mu.Unlock()
			time.Sleep(d)
			mu.Lock()
			ended[req.Step.ID] = time.Now()
			mu.Unlock()
			return nil, err
		}
	}
	h.script("x", track(20*time.Millisecond, nil))
	h.script("y", track(5*time.Millisecond, errors.New("boom")))
	h.script("z", track(0, nil))

	exec := h.run(t, "phased", domain.RunOptions{})

	assert.False(t, started["z"].Before(ended["x"]))
	assert.False(t, started["z"].Before(ended["y"]))
	// a failed phase does not stop later phases
	assert.Equal(t, domain.ExecutionStatusFailed, exec.Steps["y"].Status)
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Steps["z"].Status)
	assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
}

func TestConcurrencyBound(t *testing.T) {
	var steps []*domain.Step
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		steps = append(steps, step(id))
	}
	job := &domain.Job{ID: "wide", MaxConcurrency: 2, Steps: steps}
	h := newHarness(t, job)

	var running, peak atomic.Int32
	for _, s := range steps {
		h.script(s.ID, func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})
	}

	exec := h.run(t, "wide", domain.RunOptions{})
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestRetriedSuccessIsWarning(t *testing.T) {
	a := step("a")
	a.RetryAttempts = 2
	h := newHarness(t, &domain.Job{ID: "flaky", Steps: []*domain.Step{a}})

	var calls atomic.Int32
	h.script("a", func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})

	exec := h.run(t, "flaky", domain.RunOptions{})
	assert.Equal(t, domain.ExecutionStatusWarning, exec.Status)
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Steps["a"].Status)
}

func TestStopExecutionIsIdempotent(t *testing.T) {
	job := &domain.Job{
		ID:           "long",
		Steps:        []*domain.Step{step("wait"), step("after")},
		Dependencies: []domain.Dependency{{StepID: "after", DependsOn: "wait", Strict: false}},
	}
	h := newHarness(t, job)
	h.script("wait", block)

	ctx := context.Background()
	id, err := h.manager.Launch(ctx, "long", domain.RunOptions{})
	require.NoError(t, err)
	h.waitRunning(t, id, "wait")

	cmd := domain.Command{ID: "c1", ExecutionID: id, RequestedBy: "alice"}
	assert.Equal(t, domain.CommandAccepted, h.manager.HandleCommand(ctx, cmd).Outcome)

	exec, err := h.manager.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusStopped, exec.Status)

	wait := exec.Steps["wait"]
	assert.Equal(t, domain.ExecutionStatusStopped, wait.Status)
	require.Len(t, wait.Attempts, 1)
	assert.Equal(t, "alice", wait.Attempts[0].StoppedBy)

	after := exec.Steps["after"]
	assert.Equal(t, domain.ExecutionStatusStopped, after.Status)
	assert.Zero(t, h.callCount("after"))

	again := h.manager.HandleCommand(ctx, domain.Command{ID: "c2", ExecutionID: id, RequestedBy: "alice"})
	assert.Equal(t, domain.CommandAlreadyFinished, again.Outcome)

	unknown := h.manager.HandleCommand(ctx, domain.Command{ExecutionID: "nope"})
	assert.Equal(t, domain.CommandNotFound, unknown.Outcome)

	// the finished execution is untouched
	final, err := h.manager.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, exec.Status, final.Status)
	assert.Equal(t, exec.EndedAt, final.EndedAt)
}

func TestRepeatedStopWhileRunning(t *testing.T) {
	h := newHarness(t, &domain.Job{ID: "long", Steps: []*domain.Step{step("wait")}})
	release := make(chan struct{})
	h.script("wait", func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
		<-ctx.Done()
		<-release
		return nil, context.Cause(ctx)
	})

	ctx := context.Background()
	id, err := h.manager.Launch(ctx, "long", domain.RunOptions{})
	require.NoError(t, err)
	h.waitRunning(t, id, "wait")

	cmd := domain.Command{ExecutionID: id, RequestedBy: "ops"}
	assert.Equal(t, domain.CommandAccepted, h.manager.HandleCommand(ctx, cmd).Outcome)
	assert.Equal(t, domain.CommandAlreadyRequested, h.manager.HandleCommand(ctx, cmd).Outcome)
	close(release)

	exec, err := h.manager.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusStopped, exec.Status)
}

func TestStopSingleStep(t *testing.T) {
	job := &domain.Job{
		ID:           "pair",
		Steps:        []*domain.Step{step("slow"), step("fast"), step("next")},
		Dependencies: []domain.Dependency{{StepID: "next", DependsOn: "slow", Strict: true}},
	}
	h := newHarness(t, job)
	h.script("slow", block)

	ctx := context.Background()
	id, err := h.manager.Launch(ctx, "pair", domain.RunOptions{})
	require.NoError(t, err)
	h.waitRunning(t, id, "slow")

	res := h.manager.HandleCommand(ctx, domain.Command{ExecutionID: id, StepID: "slow", RequestedBy: "bob"})
	assert.Equal(t, domain.CommandAccepted, res.Outcome)

	exec, err := h.manager.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusStopped, exec.Steps["slow"].Status)
	assert.Equal(t, "bob", exec.Steps["slow"].Attempts[0].StoppedBy)
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Steps["fast"].Status)
	assert.Equal(t, domain.ExecutionStatusSkipped, exec.Steps["next"].Status)
	assert.Equal(t, domain.ExecutionStatusStopped, exec.Status)

	finished := h.manager.HandleCommand(ctx, domain.Command{ExecutionID: id, StepID: "fast"})
	assert.Equal(t, domain.CommandAlreadyFinished, finished.Outcome)

	missing := h.manager.HandleCommand(ctx, domain.Command{ExecutionID: id, StepID: "ghost"})
	assert.Equal(t, domain.CommandNotFound, missing.Outcome)
}

func TestDuplicateRunAcrossExecutions(t *testing.T) {
	h := newHarness(t, &domain.Job{ID: "nightly", Steps: []*domain.Step{step("load")}})
	release := make(chan struct{})
	h.script("load", func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	})

	ctx := context.Background()
	first, err := h.manager.Launch(ctx, "nightly", domain.RunOptions{})
	require.NoError(t, err)
	h.waitRunning(t, first, "load")

	second := h.run(t, "nightly", domain.RunOptions{})
	assert.Equal(t, domain.ExecutionStatusDuplicate, second.Steps["load"].Status)
	assert.Contains(t, second.Steps["load"].Attempts[0].ErrorMessage, first)
	assert.Equal(t, domain.ExecutionStatusWarning, second.Status)

	close(release)
	exec, err := h.manager.Wait(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Status)
	assert.Equal(t, 1, h.callCount("load"))
}

func TestSameStepIDInOtherJobIsNotDuplicate(t *testing.T) {
	h := newHarness(t,
		&domain.Job{ID: "sales", Steps: []*domain.Step{step("load")}},
		&domain.Job{ID: "hr", Steps: []*domain.Step{step("load")}},
	)
	release := make(chan struct{})
	h.script("load", func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
		if req.JobID != "sales" {
			return &ports.ExecuteResult{InfoMessage: "hr loaded"}, nil
		}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	})

	ctx := context.Background()
	sales, err := h.manager.Launch(ctx, "sales", domain.RunOptions{})
	require.NoError(t, err)
	h.waitRunning(t, sales, "load")

	hr := h.run(t, "hr", domain.RunOptions{})
	assert.Equal(t, domain.ExecutionStatusSucceeded, hr.Steps["load"].Status)
	assert.Equal(t, domain.ExecutionStatusSucceeded, hr.Status)

	close(release)
	exec, err := h.manager.Wait(ctx, sales)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Status)
	assert.Equal(t, 2, h.callCount("load"))
}

func TestShutdownSuspendsRunningExecutions(t *testing.T) {
	h := newHarness(t, &domain.Job{
		ID:         "long",
		Steps:      []*domain.Step{step("wait")},
		TypeLimits: map[domain.StepType]int{domain.StepTypeExec: 2},
	})
	h.script("wait", block)

	ctx := context.Background()
	id, err := h.manager.Launch(ctx, "long", domain.RunOptions{})
	require.NoError(t, err)
	h.waitRunning(t, id, "wait")

	loads := h.manager.Loads()
	require.Len(t, loads, 1)
	assert.Equal(t, id, loads[0].ExecutionID)
	require.Len(t, loads[0].Tasks, 1)
	assert.Equal(t, "wait", loads[0].Tasks[0].StepID)
	assert.Equal(t, 1, loads[0].RunningSteps)
	assert.Equal(t, []workers.TypeSlot{{Type: domain.StepTypeExec, InUse: 1, Capacity: 2}}, loads[0].TypeSlots)
	assert.Equal(t, []string{id}, h.manager.ActiveExecutions())

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(sctx))

	exec, err := h.manager.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSuspended, exec.Status)
	assert.Equal(t, "orchestrator", exec.Steps["wait"].Attempts[0].StoppedBy)
	assert.Empty(t, h.manager.Loads())

	_, err = h.manager.Launch(ctx, "long", domain.RunOptions{})
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestShutdownDuringLaunchSuspendsExecution(t *testing.T) {
	h := newHarness(t, &domain.Job{ID: "late", Steps: []*domain.Step{step("work")}})

	shutdownErr := make(chan error, 1)
	h.manager.newID = func() string {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownErr <- h.manager.Shutdown(ctx)
		}()
		require.Eventually(t, h.manager.closing.Load, 5*time.Second, time.Millisecond)
		return "late-1"
	}

	ctx := context.Background()
	id, err := h.manager.Launch(ctx, "late", domain.RunOptions{})
	require.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.Equal(t, "late-1", id)
	require.NoError(t, <-shutdownErr)

	exec, err := h.manager.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSuspended, exec.Status)
	assert.NotNil(t, exec.EndedAt)
	assert.Zero(t, h.callCount("work"))
	assert.Empty(t, h.manager.ActiveExecutions())
}

func TestSynchronizedJobStep(t *testing.T) {
	child := &domain.Job{ID: "child", Steps: []*domain.Step{step("work")}}
	parent := &domain.Job{ID: "parent", Steps: []*domain.Step{
		{ID: "call", Config: &domain.JobConfig{JobID: "child", Synchronized: true}},
	}}
	h := newHarness(t, child, parent)
	h.registry.Register(domain.StepTypeJob, jobstep.New(h.manager, zap.NewNop()))

	exec := h.run(t, "parent", domain.RunOptions{RequestedBy: "scheduler"})
	assert.Equal(t, domain.ExecutionStatusSucceeded, exec.Status)
	assert.Contains(t, exec.Steps["call"].Attempts[0].InfoMessage, "SUCCEEDED")
	assert.Equal(t, 1, h.callCount("work"))
}

func TestUnknownJobAndStep(t *testing.T) {
	h := newHarness(t, &domain.Job{ID: "known", Steps: []*domain.Step{step("a")}})

	_, err := h.manager.Launch(context.Background(), "unknown", domain.RunOptions{})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = h.manager.Launch(context.Background(), "known", domain.RunOptions{StepIDs: []string{"b"}})
	assert.ErrorIs(t, err, domain.ErrInvalidJob)
}
