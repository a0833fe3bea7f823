package graph

import (
	"testing"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func build(edges ...[2]string) *Graph {
	g := New()
	for _, e := range edges {
		g.AddNode(e[0], "")
		g.AddNode(e[1], "")
	}
	for _, e := range edges {
		g.AddEdge(e[0], e[1])
	}
	return g
}

func TestCyclesAcyclic(t *testing.T) {
	g := build([2]string{"c", "b"}, [2]string{"b", "a"}, [2]string{"c", "a"})
	assert.Empty(t, g.Cycles())
}

func TestCyclesSimpleLoop(t *testing.T) {
	g := build([2]string{"b", "c"}, [2]string{"c", "a"}, [2]string{"a", "b"})
	assert.Equal(t, [][]string{{"a", "b", "c"}}, g.Cycles())
}

func TestCyclesSelfLoop(t *testing.T) {
	g := build([2]string{"a", "a"})
	assert.Equal(t, [][]string{{"a"}}, g.Cycles())
}

func TestCyclesSeveralLoops(t *testing.T) {
	g := build(
		[2]string{"a", "b"}, [2]string{"b", "a"},
		[2]string{"x", "y"}, [2]string{"y", "z"}, [2]string{"z", "x"},
	)
	assert.Equal(t, [][]string{{"a", "b"}, {"x", "y", "z"}}, g.Cycles())
}

func TestCyclesFromRootsOnly(t *testing.T) {
	g := build(
		[2]string{"root", "leaf"},
		[2]string{"x", "y"}, [2]string{"y", "x"},
	)
	assert.Empty(t, g.Cycles("root"))
	assert.Len(t, g.Cycles("x"), 1)
	assert.Empty(t, g.Cycles("unknown"))
}

func TestCyclesIgnoreUnknownNodes(t *testing.T) {
	g := New()
	g.AddNode("a", "")
	g.AddEdge("a", "missing")
	assert.Empty(t, g.Cycles())
	assert.Equal(t, 1, g.Len())
}

func TestCyclesDeepChain(t *testing.T) {
	g := New()
	const n = 10000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + string(rune('0'+i/26%10)) + string(rune('0'+i/260%10)) + string(rune('0'+i/2600))
		g.AddNode(ids[i], "")
	}
	for i := 1; i < n; i++ {
		g.AddEdge(ids[i], ids[i-1])
	}
	assert.Empty(t, g.Cycles())

	g.AddEdge(ids[0], ids[n-1])
	cycles := g.Cycles()
	assert.Len(t, cycles, 1)
	assert.Len(t, cycles[0], n)
}

func TestLabelledCycles(t *testing.T) {
	g := New()
	g.AddNode("1", "Extract")
	g.AddNode("2", "Load")
	g.AddEdge("1", "2")
	g.AddEdge("2", "1")
	assert.Equal(t, [][]string{{"Extract", "Load"}}, g.LabelledCycles())
}

func TestStepGraph(t *testing.T) {
	job := &domain.Job{
		ID: "j",
		Steps: []*domain.Step{
			{ID: "a"}, {ID: "b", Name: "Bee"}, {ID: "c"},
		},
		Dependencies: []domain.Dependency{
			{StepID: "a", DependsOn: "b"},
			{StepID: "b", DependsOn: "a"},
			{StepID: "c", DependsOn: "a"},
		},
	}

	assert.Equal(t, [][]string{{"a", "Bee"}}, StepGraph(job, job.Steps).LabelledCycles())
	assert.Empty(t, StepGraph(job, []*domain.Step{job.Steps[0], job.Steps[2]}).Cycles())
}

func TestJobGraph(t *testing.T) {
	jobs := []*domain.Job{
		{ID: "a", Steps: []*domain.Step{{ID: "s1", Config: &domain.JobConfig{JobID: "b"}}}},
		{ID: "b", Steps: []*domain.Step{{ID: "s2", Config: &domain.JobConfig{JobID: "c"}}}},
		{ID: "c", Name: "Cee", Steps: []*domain.Step{{ID: "s3", Config: &domain.JobConfig{JobID: "a"}}}},
		{ID: "d", Steps: []*domain.Step{{ID: "s4", Config: &domain.JobConfig{JobID: "a"}}}},
	}
	g := JobGraph(jobs)
	assert.Equal(t, [][]string{{"a", "b", "Cee"}}, g.LabelledCycles("d"))
}
