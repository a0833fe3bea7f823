// Package workers runs the steps of an execution.
//
// The StepWorker drives one step through the duplicate-run guard, its
// attempts and retry waits. The Limiter is the admission gate bounding
// concurrent steps per execution (globally and per step type). The Pool
// launches workers as goroutines and guarantees one completion per launch.
//
// The monitor samples the load of all active executions and exports it.
package workers
