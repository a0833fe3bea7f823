package orchestrator

import (
	"context"
	"testing"

	catalogmem "github.com/aescanero/dapo/pkg/adapters/catalog/memory"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateJob(t *testing.T) {
	v := NewValidator(nil)

	tests := []struct {
		name    string
		job     *domain.Job
		wantErr string
	}{
		{
			name: "valid",
			job: &domain.Job{ID: "ok", Steps: []*domain.Step{step("a"), step("b")},
				Dependencies: []domain.Dependency{{StepID: "b", DependsOn: "a"}}},
		},
		{
			name:    "missing id",
			job:     &domain.Job{},
			wantErr: "job ID is required",
		},
		{
			name:    "unknown mode",
			job:     &domain.Job{ID: "j", Mode: "round-robin"},
			wantErr: "unknown scheduling mode",
		},
		{
			name:    "duplicate step",
			job:     &domain.Job{ID: "j", Steps: []*domain.Step{step("a"), step("a")}},
			wantErr: "duplicate step ID a",
		},
		{
			name: "unknown predecessor",
			job: &domain.Job{ID: "j", Steps: []*domain.Step{step("a")},
				Dependencies: []domain.Dependency{{StepID: "a", DependsOn: "ghost"}}},
			wantErr: "depends on non-existent step ghost",
		},
		{
			name:    "invalid step config",
			job:     &domain.Job{ID: "j", Steps: []*domain.Step{{ID: "a", Config: &domain.ExecConfig{}}}},
			wantErr: "path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateJob(tt.job)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidJob)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckCyclesUsesSelectedStepsOnly(t *testing.T) {
	job := &domain.Job{
		ID:    "j",
		Steps: []*domain.Step{step("a"), step("b"), step("c")},
		Dependencies: []domain.Dependency{
			{StepID: "a", DependsOn: "b"},
			{StepID: "b", DependsOn: "a"},
			{StepID: "c", DependsOn: "a"},
		},
	}
	v := NewValidator(nil)

	assert.Error(t, v.CheckCycles(context.Background(), job, job.Steps))

	selected, err := job.SelectSteps([]string{"a", "c"})
	require.NoError(t, err)
	assert.NoError(t, v.CheckCycles(context.Background(), job, selected))
}

func TestCheckCyclesReportsNames(t *testing.T) {
	job := &domain.Job{
		ID: "j",
		Steps: []*domain.Step{
			{ID: "1", Name: "Extract", Config: &domain.ExecConfig{Path: "x"}},
			{ID: "2", Name: "Load", Config: &domain.ExecConfig{Path: "x"}},
		},
		Dependencies: []domain.Dependency{
			{StepID: "1", DependsOn: "2"},
			{StepID: "2", DependsOn: "1"},
		},
	}

	err := NewValidator(nil).CheckCycles(context.Background(), job, job.Steps)
	var cycleErr *domain.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, [][]string{{"Extract", "Load"}}, cycleErr.Cycles)
	assert.Equal(t, "cyclic step dependencies detected: Extract -> Load -> Extract", err.Error())
}

func TestReportCatalog(t *testing.T) {
	loop := &domain.Job{ID: "loop", Steps: []*domain.Step{
		{ID: "self", Config: &domain.JobConfig{JobID: "loop"}},
	}}
	fine := &domain.Job{ID: "fine", Steps: []*domain.Step{
		{ID: "call", Config: &domain.JobConfig{JobID: "leaf"}},
	}}
	leaf := &domain.Job{ID: "leaf", Steps: []*domain.Step{step("work")}}
	broken := &domain.Job{ID: "broken", Steps: []*domain.Step{step("a"), step("a")}}

	v := NewValidator(catalogmem.NewCatalog(loop, fine, leaf, broken))
	reports, err := v.ReportCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 4)

	byID := make(map[string]JobReport)
	for _, r := range reports {
		byID[r.JobID] = r
	}
	assert.True(t, byID["fine"].Valid)
	assert.True(t, byID["leaf"].Valid)
	assert.False(t, byID["broken"].Valid)
	assert.Contains(t, byID["broken"].Error, "duplicate step ID")
	assert.False(t, byID["loop"].Valid)
	assert.Equal(t, [][]string{{"loop"}}, byID["loop"].Cycles)
}
