// Package graph builds the step-level and job-level dependency graphs of a run
// and finds the cycles in them.
package graph

import (
	"sort"
	"strings"
)

// Graph is a directed graph; an edge points from a node to a node it depends on.
type Graph struct {
	nodes  map[string]string // id -> label
	edges  map[string][]string
	sorted bool
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		nodes: make(map[string]string),
		edges: make(map[string][]string),
	}
}

// AddNode registers a node with the label used in cycle reports
func (g *Graph) AddNode(id, label string) {
	if label == "" {
		label = id
	}
	g.nodes[id] = label
}

// AddEdge adds from -> to. Edges touching unknown nodes are kept but ignored by Cycles.
func (g *Graph) AddEdge(from, to string) {
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
	g.sorted = false
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Cycles returns every elementary cycle closed by a back edge during a
// depth-first search, as node ids in dependency order. With no roots the
// whole graph is searched; otherwise only what is reachable from the roots.
// Each cycle is reported once, rotated to start at its smallest id.
func (g *Graph) Cycles(roots ...string) [][]string {
	g.sortEdges()

	if len(roots) == 0 {
		roots = g.nodeIDs()
	}

	const (
		white = iota
		gray
		black
	)
	type frame struct {
		node string
		next int
	}

	color := make(map[string]int, len(g.nodes))
	seen := make(map[string]bool)
	var cycles [][]string

	for _, root := range roots {
		if _, ok := g.nodes[root]; !ok || color[root] != white {
			continue
		}

		stack := []frame{{node: root}}
		path := []string{root}
		onPath := map[string]int{root: 0}
		color[root] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := g.edges[top.node]
			if top.next < len(succ) {
				n := succ[top.next]
				top.next++
				if _, ok := g.nodes[n]; !ok {
					continue
				}
				switch color[n] {
				case white:
					color[n] = gray
					onPath[n] = len(path)
					path = append(path, n)
					stack = append(stack, frame{node: n})
				case gray:
					cycle := canonical(path[onPath[n]:])
					key := strings.Join(cycle, "\x00")
					if !seen[key] {
						seen[key] = true
						cycles = append(cycles, cycle)
					}
				}
				continue
			}

			color[top.node] = black
			delete(onPath, top.node)
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
		}
	}

	return cycles
}

// Labels maps a cycle of ids to display labels
func (g *Graph) Labels(cycle []string) []string {
	labels := make([]string, len(cycle))
	for i, id := range cycle {
		labels[i] = g.nodes[id]
	}
	return labels
}

// LabelledCycles is Cycles with every id replaced by its label
func (g *Graph) LabelledCycles(roots ...string) [][]string {
	cycles := g.Cycles(roots...)
	out := make([][]string, len(cycles))
	for i, c := range cycles {
		out[i] = g.Labels(c)
	}
	return out
}

func (g *Graph) nodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) sortEdges() {
	if g.sorted {
		return
	}
	for _, succ := range g.edges {
		sort.Strings(succ)
	}
	g.sorted = true
}

// canonical copies the cycle rotated so that its smallest id comes first
func canonical(cycle []string) []string {
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	return out
}
