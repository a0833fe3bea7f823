// Package catalog provides job catalog implementations.
//
// Implementations:
//   - yaml: one job definition per file in a directory
//   - memory: jobs registered in process
package catalog
