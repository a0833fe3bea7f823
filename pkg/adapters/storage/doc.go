// Package storage provides status store implementations.
//
// Implementations:
//   - memory: in-process map behind one mutex
//   - sqlite: durable tables for executions, step executions and attempts
//   - redis: JSON execution documents plus expiring duplicate-run claims
package storage
