package yaml

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const nightly = `
id: nightly
name: Nightly load
max_concurrency: 2
type_limits:
  sql: 1
steps:
  - id: extract
    type: exec
    retry_attempts: 2
    retry_interval: 30s
    timeout_minutes: 10
    config:
      path: /opt/etl/extract.sh
      args: ["--full"]
  - id: load
    name: Load facts
    type: sql
    depends_on:
      - extract
      - {step: audit, strict: false}
    config:
      connection_id: dw
      statement: exec dbo.load_facts
  - id: audit
    type: job
    config:
      job_id: audit
      synchronized: true
`

func TestParseJob(t *testing.T) {
	job, err := ParseJob([]byte(nightly))
	require.NoError(t, err)

	assert.Equal(t, "nightly", job.ID)
	assert.Equal(t, "Nightly load", job.DisplayName())
	assert.Equal(t, 2, job.MaxConcurrency)
	assert.Equal(t, 1, job.TypeLimits[domain.StepTypeSQL])
	require.Len(t, job.Steps, 3)

	extract := job.Steps[0]
	assert.Equal(t, domain.StepTypeExec, extract.Type())
	assert.Equal(t, 2, extract.RetryAttempts)
	assert.Equal(t, 30*time.Second, extract.RetryInterval)
	assert.Equal(t, 10*time.Minute, extract.Timeout)
	cfg, ok := extract.Config.(*domain.ExecConfig)
	require.True(t, ok)
	assert.Equal(t, "/opt/etl/extract.sh", cfg.Path)
	assert.Equal(t, []string{"--full"}, cfg.Args)

	assert.Equal(t, []domain.Dependency{
		{StepID: "load", DependsOn: "extract", Strict: true},
		{StepID: "load", DependsOn: "audit", Strict: false},
	}, job.Dependencies)

	edges := job.InvocationEdges()
	require.Len(t, edges, 1)
	assert.Equal(t, "audit", edges[0].TargetJobID)
}

func TestParseJobRejectsUnknownType(t *testing.T) {
	_, err := ParseJob([]byte("id: x\nsteps:\n  - id: a\n    type: teleport\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidJob))
}

func TestParseJobRequiresID(t *testing.T) {
	_, err := ParseJob([]byte("name: nameless\n"))
	assert.True(t, errors.Is(err, domain.ErrInvalidJob))
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.yaml"), []byte(nightly), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.yml"), []byte("id: audit\nsteps:\n  - id: check\n    type: exec\n    config: {path: /bin/true}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a job"), 0o644))

	catalog, err := Load(dir, zap.NewNop())
	require.NoError(t, err)

	jobs, err := catalog.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "audit", jobs[0].ID)
	assert.Equal(t, "nightly", jobs[1].ID)

	_, err = catalog.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))

	// a broken file keeps the previous catalog
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [unclosed"), 0o644))
	assert.Error(t, catalog.Reload())
	_, err = catalog.GetJob(context.Background(), "nightly")
	assert.NoError(t, err)
}

func TestLoadRejectsDuplicateJobs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: same\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: same\n"), 0o644))

	_, err := Load(dir, zap.NewNop())
	assert.True(t, errors.Is(err, domain.ErrInvalidJob))
}
