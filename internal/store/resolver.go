package store

import (
	"github.com/Xaheen-ai/autoforge/internal/graph"
)

// GraphNode is one feature in the dependency graph view.
type GraphNode struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Category     string  `json:"category"`
	Status       string  `json:"status"` // pending, blocked, in_progress, done
	Priority     int64   `json:"priority"`
	Dependencies []int64 `json:"dependencies"`
}

// GraphEdge is a dependency -> dependent edge.
type GraphEdge struct {
	Source int64 `json:"source"`
	Target int64 `json:"target"`
}

// DependencyGraph is the full graph view for a project: every feature as a
// node, every dependency as an edge, plus the first detected cycle if one
// exists. It is recomputed from stored rows on every call and never cached.
type DependencyGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
	Cycle []int64     `json:"cycle,omitempty"`
}

// GetDependencyGraph builds the dependency graph view for a project.
// Edges pointing at deleted features are omitted. A detected cycle is
// reported, never silently resolved: breaking it is an operator action.
func (s *Store) GetDependencyGraph(project string) (*DependencyGraph, error) {
	all, err := s.ListFeatures(project)
	if err != nil {
		return nil, err
	}

	passing := make(map[int64]bool, len(all))
	for _, f := range all {
		if f.Passes {
			passing[f.ID] = true
		}
	}

	dg := &DependencyGraph{
		Nodes: []GraphNode{},
		Edges: []GraphEdge{},
	}
	nodes := make([]graph.Node, 0, len(all))
	for _, f := range all {
		status := "pending"
		switch {
		case f.Passes:
			status = "done"
		case f.Blocked:
			status = "blocked"
		case f.InProgress:
			status = "in_progress"
		}
		dg.Nodes = append(dg.Nodes, GraphNode{
			ID:           f.ID,
			Name:         f.Name,
			Category:     f.Category,
			Status:       status,
			Priority:     f.Priority,
			Dependencies: f.Dependencies,
		})
		nodes = append(nodes, graph.Node{ID: f.ID, Priority: f.Priority, Deps: f.Dependencies})
	}

	g := graph.Build(nodes)
	for _, edge := range g.Edges() {
		dg.Edges = append(dg.Edges, GraphEdge{Source: edge[0], Target: edge[1]})
	}
	dg.Cycle = g.DetectCycle()

	return dg, nil
}

// TopologicalOrder computes a valid execution order over the project's
// unresolved features: passed features are settled and excluded, and
// dependencies on them (or on deleted IDs) contribute no edge. Returns a
// graph.CycleError when the unresolved subgraph contains a cycle.
func (s *Store) TopologicalOrder(project string) ([]int64, error) {
	all, err := s.ListFeatures(project)
	if err != nil {
		return nil, err
	}

	var nodes []graph.Node
	for _, f := range all {
		if f.Passes {
			continue
		}
		nodes = append(nodes, graph.Node{ID: f.ID, Priority: f.Priority, Deps: f.Dependencies})
	}

	// Build skips edges to nodes outside the set, which covers both passed
	// features and stale references.
	return graph.Build(nodes).TopologicalOrder()
}
