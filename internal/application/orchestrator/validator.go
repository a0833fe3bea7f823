package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/dapo/internal/application/graph"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
)

// Validator checks job structure and detects dependency cycles
type Validator struct {
	catalog ports.JobCatalog
}

// NewValidator creates a validator. The catalog supplies the jobs reachable
// through job steps; it may be nil, in which case only the job itself is
// considered for job-level cycles.
func NewValidator(catalog ports.JobCatalog) *Validator {
	return &Validator{catalog: catalog}
}

// ValidateJob checks the structure of a job definition
func (v *Validator) ValidateJob(job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", domain.ErrInvalidJob)
	}
	if job.ID == "" {
		return fmt.Errorf("%w: job ID is required", domain.ErrInvalidJob)
	}

	switch job.Mode {
	case "", domain.SchedulingModeDependency, domain.SchedulingModePhase:
	default:
		return fmt.Errorf("%w: job %s has unknown scheduling mode %q", domain.ErrInvalidJob, job.ID, job.Mode)
	}
	if job.MaxConcurrency < 0 {
		return fmt.Errorf("%w: job %s has negative max concurrency", domain.ErrInvalidJob, job.ID)
	}

	ids := make(map[string]bool, len(job.Steps))
	for _, s := range job.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: step %s of job %s: %v", domain.ErrInvalidJob, s.ID, job.ID, err)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step ID %s in job %s", domain.ErrInvalidJob, s.ID, job.ID)
		}
		ids[s.ID] = true
	}

	for _, d := range job.Dependencies {
		if !ids[d.StepID] {
			return fmt.Errorf("%w: dependency references non-existent step %s", domain.ErrInvalidJob, d.StepID)
		}
		if !ids[d.DependsOn] {
			return fmt.Errorf("%w: step %s depends on non-existent step %s", domain.ErrInvalidJob, d.StepID, d.DependsOn)
		}
	}

	return nil
}

// CheckCycles looks for step cycles among the selected steps, then for job
// invocation cycles reachable from the job. Cycles are reported with display
// names in a *domain.CycleError.
func (v *Validator) CheckCycles(ctx context.Context, job *domain.Job, steps []*domain.Step) error {
	if cycles := graph.StepGraph(job, steps).LabelledCycles(); len(cycles) > 0 {
		return &domain.CycleError{Scope: "step", Cycles: cycles}
	}

	jobs, err := v.jobs(ctx, job)
	if err != nil {
		return err
	}
	if cycles := graph.JobGraph(jobs).LabelledCycles(job.ID); len(cycles) > 0 {
		return &domain.CycleError{Scope: "job", Cycles: cycles}
	}
	return nil
}

// JobReport is the validation result of one catalog job
type JobReport struct {
	JobID  string     `json:"job_id"`
	Valid  bool       `json:"valid"`
	Error  string     `json:"error,omitempty"`
	Cycles [][]string `json:"cycles,omitempty"`
}

// Report validates one job with all its steps selected
func (v *Validator) Report(ctx context.Context, job *domain.Job) (JobReport, error) {
	report := JobReport{JobID: job.ID, Valid: true}
	if err := v.ValidateJob(job); err != nil {
		report.Valid = false
		report.Error = err.Error()
		return report, nil
	}

	err := v.CheckCycles(ctx, job, job.Steps)
	if err == nil {
		return report, nil
	}
	var cycleErr *domain.CycleError
	if !errors.As(err, &cycleErr) {
		return report, err
	}
	report.Valid = false
	report.Error = cycleErr.Error()
	report.Cycles = cycleErr.Cycles
	return report, nil
}

// ReportCatalog validates every job of the catalog
func (v *Validator) ReportCatalog(ctx context.Context) ([]JobReport, error) {
	if v.catalog == nil {
		return nil, nil
	}
	jobs, err := v.catalog.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	reports := make([]JobReport, 0, len(jobs))
	for _, j := range jobs {
		r, err := v.Report(ctx, j)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// jobs returns the catalog with job standing in for its catalog entry
func (v *Validator) jobs(ctx context.Context, job *domain.Job) ([]*domain.Job, error) {
	if v.catalog == nil {
		return []*domain.Job{job}, nil
	}
	all, err := v.catalog.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(all)+1)
	jobs = append(jobs, job)
	for _, j := range all {
		if j.ID != job.ID {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
