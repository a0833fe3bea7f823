package domain

import (
	"fmt"
	"time"
)

// StepType tags the kind of work a step performs
type StepType string

const (
	StepTypeExec     StepType = "exec"
	StepTypeJob      StepType = "job"
	StepTypeSQL      StepType = "sql"
	StepTypePipeline StepType = "pipeline"
	StepTypeFunction StepType = "function"
	StepTypeDataset  StepType = "dataset"
	StepTypeAgentJob StepType = "agent_job"
	StepTypeEmail    StepType = "email"
)

// Step is a unit of work within a job. It is immutable for the duration of a run.
type Step struct {
	ID            string        `json:"id"`
	JobID         string        `json:"job_id"`
	Name          string        `json:"name"`
	Phase         int           `json:"phase"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryInterval time.Duration `json:"retry_interval"`
	// Timeout of zero means unbounded
	Timeout time.Duration `json:"timeout"`
	Config  StepConfig    `json:"-"`
}

// Type returns the step type tag derived from the configuration variant
func (s *Step) Type() StepType {
	if s.Config == nil {
		return ""
	}
	return s.Config.StepType()
}

// DisplayName returns the name used in diagnostics
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// MaxAttempts is the total number of attempts the retry budget allows
func (s *Step) MaxAttempts() int {
	return s.RetryAttempts + 1
}

// Validate checks the step's own fields and its configuration
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step ID is required")
	}
	if s.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative: %d", s.RetryAttempts)
	}
	if s.RetryInterval < 0 {
		return fmt.Errorf("retry interval must not be negative: %s", s.RetryInterval)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %s", s.Timeout)
	}
	if s.Config == nil {
		return fmt.Errorf("step configuration is required")
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", s.Config.StepType(), err)
	}
	return nil
}

// Dependency declares that StepID may only run after DependsOn reached a terminal state.
// A strict dependency additionally requires DependsOn not to end in a failure-class status.
type Dependency struct {
	StepID    string `json:"step_id"`
	DependsOn string `json:"depends_on"`
	Strict    bool   `json:"strict"`
}
