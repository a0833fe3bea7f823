package graph

import "github.com/aescanero/dapo/pkg/domain"

// StepGraph builds the dependency graph of the steps selected for a run.
// Edges to steps outside the selection are dropped.
func StepGraph(job *domain.Job, steps []*domain.Step) *Graph {
	g := New()
	selected := make(map[string]bool, len(steps))
	for _, s := range steps {
		selected[s.ID] = true
		g.AddNode(s.ID, s.DisplayName())
	}
	for _, d := range job.Dependencies {
		if selected[d.StepID] && selected[d.DependsOn] {
			g.AddEdge(d.StepID, d.DependsOn)
		}
	}
	return g
}

// JobGraph builds the job invocation graph of a whole catalog
func JobGraph(jobs []*domain.Job) *Graph {
	g := New()
	for _, j := range jobs {
		g.AddNode(j.ID, j.DisplayName())
	}
	for _, j := range jobs {
		for _, e := range j.InvocationEdges() {
			g.AddEdge(e.JobID, e.TargetJobID)
		}
	}
	return g
}
