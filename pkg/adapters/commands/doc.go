// Package commands contains the transports that carry stop commands to the
// orchestrating process: an in-process channel, a Redis stream broadcast to
// every process, and a gRPC client for the control service.
package commands
