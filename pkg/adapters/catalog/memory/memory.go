package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dapo/pkg/domain"
)

// Catalog implements ports.JobCatalog over jobs registered in process
type Catalog struct {
	jobs map[string]*domain.Job
	mu   sync.RWMutex
}

// NewCatalog creates a catalog holding the given jobs
func NewCatalog(jobs ...*domain.Job) *Catalog {
	c := &Catalog{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		c.jobs[j.ID] = j
	}
	return c
}

// Put adds or replaces a job
func (c *Catalog) Put(job *domain.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[job.ID] = job
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
