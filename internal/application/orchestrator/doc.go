// Package orchestrator implements the core orchestration logic for job execution.
//
// The orchestrator manager coordinates an execution by:
//   - Validating job structure and rejecting step or job dependency cycles
//   - Driving rounds of eligible-step selection in dependency or phase mode
//   - Routing stop commands to the whole execution or to single steps
//   - Deriving the execution status once every step is terminal
//
// Step outcomes are statuses recorded through the status reporter; they never
// surface as errors from the manager.
package orchestrator
