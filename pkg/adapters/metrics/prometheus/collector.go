package prometheus

import (
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   prometheus.Gauge

	stepsFinished   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	runningSteps    prometheus.Gauge
	slotWaitTime    *prometheus.HistogramVec

	limiterInUse    prometheus.Gauge
	limiterCapacity prometheus.Gauge

	commands *prometheus.CounterVec
}

// NewCollector registers the dapo metrics with reg. A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		executionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dapo_executions_started_total",
				Help: "Total number of job executions started",
			},
			[]string{"job_id"},
		),
		executionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dapo_executions_finished_total",
				Help: "Total number of job executions finished",
			},
			[]string{"job_id", "status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dapo_execution_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"job_id"},
		),
		activeExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dapo_active_executions",
				Help: "Number of currently active executions",
			},
		),
		stepsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dapo_steps_finished_total",
				Help: "Total number of steps that reached a terminal status",
			},
			[]string{"step_type", "status"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dapo_attempt_duration_seconds",
				Help:    "Step attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"step_type", "status"},
		),
		runningSteps: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dapo_running_steps",
				Help: "Number of step workers in flight",
			},
		),
		slotWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dapo_slot_wait_seconds",
				Help:    "Time spent waiting for a concurrency slot",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"step_type"},
		),
		limiterInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dapo_limiter_slots_in_use",
				Help: "Concurrency slots held across active executions",
			},
		),
		limiterCapacity: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dapo_limiter_slots_capacity",
				Help: "Concurrency slots available across active executions",
			},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dapo_commands_total",
				Help: "Total number of control commands handled",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// RecordExecutionStarted counts a started execution
func (c *Collector) RecordExecutionStarted(jobID string) {
	c.executionsStarted.WithLabelValues(jobID).Inc()
}

// RecordExecutionFinished counts a finished execution and observes its duration
func (c *Collector) RecordExecutionFinished(jobID string, status domain.ExecutionStatus, duration time.Duration) {
	c.executionsFinished.WithLabelValues(jobID, string(status)).Inc()
	c.executionDuration.WithLabelValues(jobID).Observe(duration.Seconds())
}

// RecordStepFinished counts a step reaching a terminal status
func (c *Collector) RecordStepFinished(stepType domain.StepType, status domain.ExecutionStatus) {
	c.stepsFinished.WithLabelValues(string(stepType), string(status)).Inc()
}

// ObserveAttemptDuration records how long one attempt ran
func (c *Collector) ObserveAttemptDuration(stepType domain.StepType, status domain.ExecutionStatus, duration time.Duration) {
	c.attemptDuration.WithLabelValues(string(stepType), string(status)).Observe(duration.Seconds())
}

// ObserveSlotWait records how long a worker waited for the limiter
func (c *Collector) ObserveSlotWait(stepType domain.StepType, duration time.Duration) {
	c.slotWaitTime.WithLabelValues(string(stepType)).Observe(duration.Seconds())
}

// SetRunningSteps sets the number of in-flight workers
func (c *Collector) SetRunningSteps(count int) {
	c.runningSteps.Set(float64(count))
}

// RecordCommand counts a handled command
func (c *Collector) RecordCommand(kind string, outcome domain.CommandOutcome) {
	c.commands.WithLabelValues(kind, string(outcome)).Inc()
}

// RecordLimiterUsage sets the limiter gauges
func (c *Collector) RecordLimiterUsage(inUse, capacity int) {
	c.limiterInUse.Set(float64(inUse))
	c.limiterCapacity.Set(float64(capacity))
}

// SetActiveExecutions sets the number of executions being orchestrated
func (c *Collector) SetActiveExecutions(count int) {
	c.activeExecutions.Set(float64(count))
}
