package domain

import (
	"fmt"
	"net/url"
)

// StepConfig is the type-specific part of a step. Each variant carries only
// its own fields and is dispatched through the step executor for its type.
type StepConfig interface {
	StepType() StepType
	Validate() error
}

// ExecConfig runs a local subprocess
type ExecConfig struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	WorkDir string            `json:"work_dir,omitempty" yaml:"work_dir"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
}

func (c *ExecConfig) StepType() StepType { return StepTypeExec }

func (c *ExecConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// JobConfig invokes another job of the catalog
type JobConfig struct {
	JobID string `json:"job_id" yaml:"job_id"`
	// Synchronized makes the step wait for the child execution's outcome
	Synchronized bool `json:"synchronized" yaml:"synchronized"`
}

func (c *JobConfig) StepType() StepType { return StepTypeJob }

func (c *JobConfig) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return nil
}

// SQLConfig runs a SQL batch against a named connection
type SQLConfig struct {
	ConnectionID string `json:"connection_id" yaml:"connection_id"`
	Statement    string `json:"statement" yaml:"statement"`
	ResultParam  string `json:"result_param,omitempty" yaml:"result_param"`
}

func (c *SQLConfig) StepType() StepType { return StepTypeSQL }

func (c *SQLConfig) Validate() error {
	if c.ConnectionID == "" {
		return fmt.Errorf("connection_id is required")
	}
	if c.Statement == "" {
		return fmt.Errorf("statement is required")
	}
	return nil
}

// PipelineConfig triggers a pipeline on an external data-integration service
type PipelineConfig struct {
	ClientID     string            `json:"client_id" yaml:"client_id"`
	PipelineName string            `json:"pipeline_name" yaml:"pipeline_name"`
	Parameters   map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

func (c *PipelineConfig) StepType() StepType { return StepTypePipeline }

func (c *PipelineConfig) Validate() error {
	if c.ClientID == "" || c.PipelineName == "" {
		return fmt.Errorf("client_id and pipeline_name are required")
	}
	return nil
}

// FunctionConfig calls a remote function or app endpoint
type FunctionConfig struct {
	URL   string `json:"url" yaml:"url"`
	Input string `json:"input,omitempty" yaml:"input"`
}

func (c *FunctionConfig) StepType() StepType { return StepTypeFunction }

func (c *FunctionConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("a valid absolute url is required")
	}
	return nil
}

// DatasetConfig refreshes a dataset or dataflow and polls it to completion
type DatasetConfig struct {
	WorkspaceID string `json:"workspace_id" yaml:"workspace_id"`
	DatasetID   string `json:"dataset_id" yaml:"dataset_id"`
}

func (c *DatasetConfig) StepType() StepType { return StepTypeDataset }

func (c *DatasetConfig) Validate() error {
	if c.WorkspaceID == "" || c.DatasetID == "" {
		return fmt.Errorf("workspace_id and dataset_id are required")
	}
	return nil
}

// AgentJobConfig starts a database agent job
type AgentJobConfig struct {
	ConnectionID string `json:"connection_id" yaml:"connection_id"`
	AgentJobName string `json:"agent_job_name" yaml:"agent_job_name"`
}

func (c *AgentJobConfig) StepType() StepType { return StepTypeAgentJob }

func (c *AgentJobConfig) Validate() error {
	if c.ConnectionID == "" || c.AgentJobName == "" {
		return fmt.Errorf("connection_id and agent_job_name are required")
	}
	return nil
}

// EmailConfig sends a notification
type EmailConfig struct {
	Recipients []string `json:"recipients" yaml:"recipients"`
	Subject    string   `json:"subject" yaml:"subject"`
	Body       string   `json:"body,omitempty" yaml:"body"`
}

func (c *EmailConfig) StepType() StepType { return StepTypeEmail }

func (c *EmailConfig) Validate() error {
	if len(c.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	return nil
}

// NewStepConfig returns an empty configuration variant for a step type
func NewStepConfig(t StepType) (StepConfig, error) {
	switch t {
	case StepTypeExec:
		return &ExecConfig{}, nil
	case StepTypeJob:
		return &JobConfig{}, nil
	case StepTypeSQL:
		return &SQLConfig{}, nil
	case StepTypePipeline:
		return &PipelineConfig{}, nil
	case StepTypeFunction:
		return &FunctionConfig{}, nil
	case StepTypeDataset:
		return &DatasetConfig{}, nil
	case StepTypeAgentJob:
		return &AgentJobConfig{}, nil
	case StepTypeEmail:
		return &EmailConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
}
