// Package yaml loads job definitions from YAML files.
//
// One file holds one job:
//
//	id: nightly
//	name: Nightly load
//	mode: dependency          # or phase
//	max_concurrency: 2
//	type_limits:
//	  sql: 1
//	steps:
//	  - id: extract
//	    type: exec
//	    retry_attempts: 1
//	    retry_interval: 30s    # or retry_interval_minutes
//	    timeout_minutes: 10    # or timeout
//	    config:
//	      path: /opt/etl/extract.sh
//	  - id: load
//	    type: sql
//	    depends_on:
//	      - extract            # shorthand for a strict dependency
//	      - {step: audit, strict: false}
//	    config:
//	      connection_id: dw
//	      statement: exec dbo.load_facts
//
// The shape of config is selected by type.
package yaml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type jobDoc struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Mode           string         `yaml:"mode"`
	MaxConcurrency int            `yaml:"max_concurrency"`
	TypeLimits     map[string]int `yaml:"type_limits"`
	Steps          []stepDoc      `yaml:"steps"`
}

type stepDoc struct {
	ID                   string          `yaml:"id"`
	Name                 string          `yaml:"name"`
	Type                 string          `yaml:"type"`
	Phase                int             `yaml:"phase"`
	RetryAttempts        int             `yaml:"retry_attempts"`
	RetryIntervalMinutes int             `yaml:"retry_interval_minutes"`
	RetryInterval        string          `yaml:"retry_interval"`
	TimeoutMinutes       int             `yaml:"timeout_minutes"`
	Timeout              string          `yaml:"timeout"`
	DependsOn            []dependencyDoc `yaml:"depends_on"`
	Config               yaml.Node       `yaml:"config"`
}

type dependencyDoc struct {
	Step   string `yaml:"step"`
	Strict bool   `yaml:"strict"`
}

// UnmarshalYAML accepts either a bare step id (strict) or a mapping
func (d *dependencyDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.Step = node.Value
		d.Strict = true
		return nil
	}
	type plain dependencyDoc
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = dependencyDoc(p)
	return nil
}

// ParseJob decodes one job definition
func ParseJob(data []byte) (*domain.Job, error) {
	var doc jobDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrInvalidJob)
	}

	job := &domain.Job{
		ID:             doc.ID,
		Name:           doc.Name,
		Mode:           domain.SchedulingMode(doc.Mode),
		MaxConcurrency: doc.MaxConcurrency,
	}
	if len(doc.TypeLimits) > 0 {
		job.TypeLimits = make(map[domain.StepType]int, len(doc.TypeLimits))
		for t, n := range doc.TypeLimits {
			job.TypeLimits[domain.StepType(t)] = n
		}
	}

	for i := range doc.Steps {
		sd := &doc.Steps[i]
		step, err := buildStep(job.ID, sd)
		if err != nil {
			return nil, fmt.Errorf("%w: job %s step %d: %v", domain.ErrInvalidJob, job.ID, i, err)
		}
		job.Steps = append(job.Steps, step)
		for _, d := range sd.DependsOn {
			job.Dependencies = append(job.Dependencies, domain.Dependency{
				StepID:    step.ID,
				DependsOn: d.Step,
				Strict:    d.Strict,
			})
		}
	}

	return job, nil
}

func buildStep(jobID string, sd *stepDoc) (*domain.Step, error) {
	cfg, err := domain.NewStepConfig(domain.StepType(sd.Type))
	if err != nil {
		return nil, err
	}
	if !sd.Config.IsZero() {
		if err := sd.Config.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s config: %w", sd.Type, err)
		}
	}

	retryInterval, err := duration(sd.RetryInterval, sd.RetryIntervalMinutes)
	if err != nil {
		return nil, fmt.Errorf("retry_interval: %w", err)
	}
	timeout, err := duration(sd.Timeout, sd.TimeoutMinutes)
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	return &domain.Step{
		ID:            sd.ID,
		JobID:         jobID,
		Name:          sd.Name,
		Phase:         sd.Phase,
		RetryAttempts: sd.RetryAttempts,
		RetryInterval: retryInterval,
		Timeout:       timeout,
		Config:        cfg,
	}, nil
}

// duration prefers an explicit Go duration string over a whole number of minutes
func duration(s string, minutes int) (time.Duration, error) {
	if s != "" {
		return time.ParseDuration(s)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// Catalog implements ports.JobCatalog over a directory of YAML files
type Catalog struct {
	dir    string
	logger *zap.Logger
	jobs   map[string]*domain.Job
	mu     sync.RWMutex
}

// Load reads every *.yaml and *.yml file in dir
func Load(dir string, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{dir: dir, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the directory. On error the previous jobs are kept.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read catalog directory: %w", err)
	}

	jobs := make(map[string]*domain.Job)
	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(c.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		job, err := ParseJob(data)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		if _, dup := jobs[job.ID]; dup {
			return fmt.Errorf("%w: job %s defined more than once", domain.ErrInvalidJob, job.ID)
		}
		jobs[job.ID] = job
	}

	c.mu.Lock()
	c.jobs = jobs
	c.mu.Unlock()

	c.logger.Info("job catalog loaded",
		zap.String("dir", c.dir),
		zap.Int("jobs", len(jobs)))

	return nil
}

// GetJob returns a job by id
func (c *Catalog) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	job, ok := c.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return job, nil
}

// ListJobs returns every job ordered by id
func (c *Catalog) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	jobs := make([]*domain.Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}
