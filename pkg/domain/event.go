package domain

import "time"

// EventType identifies a status event
type EventType string

const (
	EventTypeExecutionStarted  EventType = "execution.started"
	EventTypeExecutionFinished EventType = "execution.finished"
	EventTypeStepStatus        EventType = "step.status"
	EventTypeCommandReceived   EventType = "command.received"
)

// Event is published on every status transition
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	JobID       string                 `json:"job_id,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
	Attempt     int                    `json:"attempt"`
	Status      ExecutionStatus        `json:"status,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}
