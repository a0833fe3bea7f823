// Package noop provides a metrics collector that records nothing.
package noop

import (
	"time"

	"github.com/aescanero/dapo/pkg/domain"
)

// Collector discards every metric
type Collector struct{}

func (Collector) RecordExecutionStarted(string) {}

func (Collector) RecordExecutionFinished(string, domain.ExecutionStatus, time.Duration) {}

func (Collector) RecordStepFinished(domain.StepType, domain.ExecutionStatus) {}

func (Collector) ObserveAttemptDuration(domain.StepType, domain.ExecutionStatus, time.Duration) {}

func (Collector) ObserveSlotWait(domain.StepType, time.Duration) {}

func (Collector) SetRunningSteps(int) {}

func (Collector) RecordCommand(string, domain.CommandOutcome) {}

func (Collector) RecordLimiterUsage(int, int) {}

func (Collector) SetActiveExecutions(int) {}
