// Package process runs exec steps as local subprocesses.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"go.uber.org/zap"
)

const (
	defaultTailBytes   = 4096
	defaultGracePeriod = 10 * time.Second
)

// Executor implements ports.StepExecutor for exec steps. On cancellation the
// process receives an interrupt and is killed once the grace period ends.
type Executor struct {
	logger      *zap.Logger
	tailBytes   int
	gracePeriod time.Duration
}

// Option configures an Executor
type Option func(*Executor)

// WithGracePeriod sets how long an interrupted process may take to exit
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) { e.gracePeriod = d }
}

// WithTailBytes sets how much trailing output is kept as the info message
func WithTailBytes(n int) Option {
	return func(e *Executor) { e.tailBytes = n }
}

// New creates a process executor
func New(logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:      logger,
		tailBytes:   defaultTailBytes,
		gracePeriod: defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the configured command once
func (e *Executor) Execute(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
	cfg, ok := req.Step.Config.(*domain.ExecConfig)
	if !ok {
		return nil, fmt.Errorf("step %s is not an exec step", req.Step.ID)
	}

	cmd := exec.CommandContext(ctx, cfg.Path, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"DAPO_EXECUTION_ID="+req.ExecutionID,
		"DAPO_JOB_ID="+req.JobID,
		"DAPO_STEP_ID="+req.Step.ID,
		"DAPO_ATTEMPT="+strconv.Itoa(req.Attempt),
	)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.gracePeriod

	out := newTail(e.tailBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	e.logger.Debug("starting process",
		zap.String("execution_id", req.ExecutionID),
		zap.String("step_id", req.Step.ID),
		zap.Int("attempt", req.Attempt),
		zap.String("path", cfg.Path))

	err := cmd.Run()
	result := &ports.ExecuteResult{InfoMessage: out.String()}
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("process interrupted: %w", context.Cause(ctx))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, fmt.Errorf("process exited with code %d", exitErr.ExitCode())
	}
	return result, fmt.Errorf("failed to run process: %w", err)
}

// tail keeps the last n bytes written to it
type tail struct {
	buf []byte
	n   int
	mu  sync.Mutex
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
