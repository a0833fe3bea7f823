package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidJob        = errors.New("invalid job")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrNoExecutor        = errors.New("no executor registered for step type")
	ErrStepTimeout       = errors.New("step timed out")
	ErrShuttingDown      = errors.New("orchestrator is shutting down")
	ErrAlreadyClaimed    = errors.New("step is already running in another execution")
)

// CycleError lists every cycle found by the validator. Each cycle is an ordered
// list of step or job names where the last element depends on the first.
type CycleError struct {
	// Scope is "step" or "job"
	Scope  string
	Cycles [][]string
}

func (e *CycleError) Error() string {
	paths := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		loop := append(append([]string(nil), c...), c[0])
		paths[i] = strings.Join(loop, " -> ")
	}
	return fmt.Sprintf("cyclic %s dependencies detected: %s", e.Scope, strings.Join(paths, "; "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicDependency
}
