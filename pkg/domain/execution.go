package domain

import "time"

// Execution is one run of a job and owns the runtime state of its steps
type Execution struct {
	ID                string                    `json:"id"`
	JobID             string                    `json:"job_id"`
	JobName           string                    `json:"job_name"`
	Mode              SchedulingMode            `json:"mode"`
	Status            ExecutionStatus           `json:"status"`
	Message           string                    `json:"message,omitempty"`
	RequestedBy       string                    `json:"requested_by,omitempty"`
	ParentExecutionID string                    `json:"parent_execution_id,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	StartedAt         *time.Time                `json:"started_at,omitempty"`
	EndedAt           *time.Time                `json:"ended_at,omitempty"`
	Steps             map[string]*StepExecution `json:"steps"`
}

// StepExecution is one step's participation in one execution
type StepExecution struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	StepName    string          `json:"step_name"`
	StepType    StepType        `json:"step_type"`
	Phase       int             `json:"phase"`
	Status      ExecutionStatus `json:"status"`
	Attempts    []*Attempt      `json:"attempts"`
}

// Attempt is one try of a step, indexed from zero
type Attempt struct {
	Index        int             `json:"index"`
	Status       ExecutionStatus `json:"status"`
	Reason       FailureReason   `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	InfoMessage  string          `json:"info_message,omitempty"`
	StoppedBy    string          `json:"stopped_by,omitempty"`
}

// AttemptKey addresses one attempt row
type AttemptKey struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Attempt     int    `json:"attempt"`
}

// AttemptOutcome is what gets written when an attempt ends
type AttemptOutcome struct {
	Status       ExecutionStatus `json:"status"`
	Reason       FailureReason   `json:"reason,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	InfoMessage  string          `json:"info_message,omitempty"`
	StoppedBy    string          `json:"stopped_by,omitempty"`
}

// RunOptions narrow and annotate a job run
type RunOptions struct {
	// StepIDs restricts the run to a subset of the job's steps
	StepIDs           []string `json:"step_ids,omitempty"`
	RequestedBy       string   `json:"requested_by,omitempty"`
	ParentExecutionID string   `json:"parent_execution_id,omitempty"`
}

// NewExecution builds the initial execution with every selected step NotStarted
func NewExecution(id string, job *Job, steps []*Step, opts RunOptions, now time.Time) *Execution {
	mode := job.Mode
	if mode == "" {
		mode = SchedulingModeDependency
	}
	exec := &Execution{
		ID:                id,
		JobID:             job.ID,
		JobName:           job.DisplayName(),
		Mode:              mode,
		Status:            ExecutionStatusNotStarted,
		RequestedBy:       opts.RequestedBy,
		ParentExecutionID: opts.ParentExecutionID,
		CreatedAt:         now,
		Steps:             make(map[string]*StepExecution, len(steps)),
	}
	for _, s := range steps {
		exec.Steps[s.ID] = &StepExecution{
			ExecutionID: id,
			StepID:      s.ID,
			StepName:    s.DisplayName(),
			StepType:    s.Type(),
			Phase:       s.Phase,
			Status:      ExecutionStatusNotStarted,
		}
	}
	return exec
}

// Clone returns a deep copy safe to hand to readers
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.StartedAt = cloneTime(e.StartedAt)
	c.EndedAt = cloneTime(e.EndedAt)
	c.Steps = make(map[string]*StepExecution, len(e.Steps))
	for id, se := range e.Steps {
		c.Steps[id] = se.Clone()
	}
	return &c
}

// Clone returns a deep copy of the step execution
func (se *StepExecution) Clone() *StepExecution {
	c := *se
	c.Attempts = make([]*Attempt, len(se.Attempts))
	for i, a := range se.Attempts {
		ac := *a
		ac.EndedAt = cloneTime(a.EndedAt)
		c.Attempts[i] = &ac
	}
	return &c
}

// Attempt returns the attempt with the given index
func (se *StepExecution) Attempt(index int) (*Attempt, bool) {
	for _, a := range se.Attempts {
		if a.Index == index {
			return a, true
		}
	}
	return nil, false
}

// StepStatuses returns the current status of every step
func (e *Execution) StepStatuses() map[string]ExecutionStatus {
	statuses := make(map[string]ExecutionStatus, len(e.Steps))
	for id, se := range e.Steps {
		statuses[id] = se.Status
	}
	return statuses
}

// AggregateStatus derives the execution outcome once every step is terminal.
// Any failure wins over a stop; skips, duplicates and retried successes give a warning.
func (e *Execution) AggregateStatus() ExecutionStatus {
	var failed, stopped, warning bool
	for _, se := range e.Steps {
		switch se.Status {
		case ExecutionStatusFailed:
			failed = true
		case ExecutionStatusStopped:
			stopped = true
		case ExecutionStatusSkipped, ExecutionStatusDuplicate:
			warning = true
		case ExecutionStatusSucceeded:
			if len(se.Attempts) > 1 {
				warning = true
			}
		case ExecutionStatusNotStarted, ExecutionStatusRunning, ExecutionStatusAwaitRetry:
			return ExecutionStatusRunning
		}
	}
	switch {
	case failed:
		return ExecutionStatusFailed
	case stopped:
		return ExecutionStatusStopped
	case warning:
		return ExecutionStatusWarning
	default:
		return ExecutionStatusSucceeded
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
