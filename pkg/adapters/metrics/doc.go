// Package metrics provides metrics collector implementations.
//
// Implementations:
//   - prometheus: client_golang collectors registered on a caller supplied registry
//   - noop: discards everything, for tests and embedding
package metrics
