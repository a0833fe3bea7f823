// Package executors provides the step executors shipped with dapo.
//
// Implementations:
//   - registry: maps a step type to its executor
//   - process: runs "exec" steps as local subprocesses
//   - jobstep: runs "job" steps as child executions
package executors
