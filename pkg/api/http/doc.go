// Package http provides the admin REST API.
//
// The HTTP server exposes endpoints for:
//   - Job catalog browsing and cycle validation
//   - Starting executions and reading their status
//   - Stopping executions or single steps
//   - Worker load, health checks and Prometheus metrics
package http
