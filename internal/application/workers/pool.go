package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"go.uber.org/zap"
)

// Completion reports a finished step worker
type Completion struct {
	StepID string
	Status domain.ExecutionStatus
}

// Task is one launched step worker
type Task struct {
	StepID    string
	StartedAt time.Time
}

// Pool launches the step workers of one execution and tracks them until
// they finish. Every launched worker produces exactly one Completion, even
// when it panics.
type Pool struct {
	logger *zap.Logger

	completions chan Completion
	wg          sync.WaitGroup

	mu       sync.RWMutex
	inFlight map[string]*Task
	launched int
	capacity int
}

// NewPool creates a pool able to launch up to size workers
func NewPool(size int, logger *zap.Logger) *Pool {
	return &Pool{
		logger:      logger,
		completions: make(chan Completion, size),
		inFlight:    make(map[string]*Task),
		capacity:    size,
	}
}

// Launch runs fn in its own goroutine
func (p *Pool) Launch(ctx context.Context, stepID string, fn func(ctx context.Context) domain.ExecutionStatus) error {
	p.mu.Lock()
	if p.launched >= p.capacity {
		p.mu.Unlock()
		return fmt.Errorf("pool exhausted: %d workers already launched", p.capacity)
	}
	if _, ok := p.inFlight[stepID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("step %s is already in flight", stepID)
	}
	p.launched++
	p.inFlight[stepID] = &Task{StepID: stepID, StartedAt: time.Now()}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx, stepID, fn)
	return nil
}

func (p *Pool) run(ctx context.Context, stepID string, fn func(ctx context.Context) domain.ExecutionStatus) {
	status := domain.ExecutionStatusFailed
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("step worker panicked",
				zap.String("step_id", stepID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}

		p.mu.Lock()
		delete(p.inFlight, stepID)
		p.mu.Unlock()

		p.completions <- Completion{StepID: stepID, Status: status}
		p.wg.Done()
	}()

	status = fn(ctx)
}

// Next blocks until a worker finishes or ctx is done
func (p *Pool) Next(ctx context.Context) (Completion, error) {
	select {
	case c := <-p.completions:
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Wait blocks until every launched worker finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// InFlight returns the number of running workers
func (p *Pool) InFlight() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.inFlight)
}

// Tasks returns the running workers ordered by step id
func (p *Pool) Tasks() []Task {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tasks := make([]Task, 0, len(p.inFlight))
	for _, t := range p.inFlight {
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].StepID < tasks[j].StepID })
	return tasks
}
