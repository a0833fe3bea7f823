package domain

import "fmt"

// SchedulingMode selects how the orchestrator decides which steps may start
type SchedulingMode string

const (
	SchedulingModeDependency SchedulingMode = "dependency"
	SchedulingModePhase      SchedulingMode = "phase"
)

// Job is a catalog entry: a set of steps plus the edges between them
type Job struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Mode SchedulingMode `json:"mode"`
	// MaxConcurrency of zero falls back to the orchestrator default
	MaxConcurrency int              `json:"max_concurrency"`
	TypeLimits     map[StepType]int `json:"type_limits,omitempty"`
	Steps          []*Step          `json:"steps"`
	Dependencies   []Dependency     `json:"dependencies"`
}

// JobInvocationEdge is derived from a "job" step: the owning job invokes the target job
type JobInvocationEdge struct {
	JobID       string `json:"job_id"`
	TargetJobID string `json:"target_job_id"`
	StepID      string `json:"step_id"`
}

// DisplayName returns the name used in diagnostics
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Step looks up a step by id
func (j *Job) Step(id string) (*Step, bool) {
	for _, s := range j.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// InvocationEdges returns the job-level edges introduced by job steps
func (j *Job) InvocationEdges() []JobInvocationEdge {
	var edges []JobInvocationEdge
	for _, s := range j.Steps {
		if cfg, ok := s.Config.(*JobConfig); ok {
			edges = append(edges, JobInvocationEdge{
				JobID:       j.ID,
				TargetJobID: cfg.JobID,
				StepID:      s.ID,
			})
		}
	}
	return edges
}

// SelectSteps returns the steps taking part in a run. An empty filter selects all steps.
func (j *Job) SelectSteps(ids []string) ([]*Step, error) {
	if len(ids) == 0 {
		return append([]*Step(nil), j.Steps...), nil
	}
	selected := make([]*Step, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		s, ok := j.Step(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s in job %s", ErrStepNotFound, id, j.ID)
		}
		selected = append(selected, s)
	}
	return selected, nil
}

// DependenciesOf returns the declared dependencies of a step
func (j *Job) DependenciesOf(stepID string) []Dependency {
	var deps []Dependency
	for _, d := range j.Dependencies {
		if d.StepID == stepID {
			deps = append(deps, d)
		}
	}
	return deps
}
