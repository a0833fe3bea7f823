// Package domain holds the data model of the orchestration engine: jobs and
// their steps, executions with their step executions and attempts, the status
// lifecycle, control commands and status events.
package domain
