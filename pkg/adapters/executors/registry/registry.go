package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
)

// Registry implements ports.ExecutorResolver
type Registry struct {
	executors map[domain.StepType]ports.StepExecutor
	mu        sync.RWMutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{executors: make(map[domain.StepType]ports.StepExecutor)}
}

// Register binds an executor to a step type, replacing any previous one
func (r *Registry) Register(stepType domain.StepType, executor ports.StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stepType] = executor
}

// Resolve returns the executor of a step type
func (r *Registry) Resolve(stepType domain.StepType) (ports.StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoExecutor, stepType)
	}
	return executor, nil
}

// Types lists the registered step types
func (r *Registry) Types() []domain.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.StepType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
