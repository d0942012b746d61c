// Package graph implements the dependency graph engine for feature backlogs.
// A graph is a derived view: it is rebuilt from stored dependency lists on
// every query and holds no persistent state of its own.
package graph

import (
	"fmt"
	"sort"
)

// Node is a single feature as seen by the graph engine.
type Node struct {
	ID       int64
	Priority int64
	// Deps lists feature IDs that must complete before this node.
	Deps []int64
}

// Graph is a directed dependency graph over a single project's features.
// Edges run dependency -> dependent. Build it with Build; the zero value is
// not usable.
type Graph struct {
	nodes      map[int64]*Node
	ids        []int64           // all node IDs, ascending
	dependents map[int64][]int64 // dep ID -> IDs that depend on it
}

// Build constructs a graph from the given nodes. Dependencies referencing
// IDs not present in nodes are kept on the node but contribute no edge;
// callers that care about stale references check them separately.
func Build(nodes []Node) *Graph {
	g := &Graph{
		nodes:      make(map[int64]*Node, len(nodes)),
		dependents: make(map[int64][]int64),
	}
	for i := range nodes {
		n := nodes[i]
		g.nodes[n.ID] = &n
		g.ids = append(g.ids, n.ID)
	}
	sort.Slice(g.ids, func(i, j int) bool { return g.ids[i] < g.ids[j] })

	for _, id := range g.ids {
		for _, dep := range g.nodes[id].Deps {
			if _, ok := g.nodes[dep]; !ok {
				continue // stale reference, no edge
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for dep := range g.dependents {
		ds := g.dependents[dep]
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	}
	return g
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.ids)
}

// Contains reports whether the graph has a node with the given ID.
func (g *Graph) Contains(id int64) bool {
	_, ok := g.nodes[id]
	return ok
}

// Edges returns all dependency -> dependent edges in deterministic order.
func (g *Graph) Edges() [][2]int64 {
	var edges [][2]int64
	for _, dep := range g.ids {
		for _, dependent := range g.dependents[dep] {
			edges = append(edges, [2]int64{dep, dependent})
		}
	}
	return edges
}

// DFS colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current DFS stack
	black        // fully explored
)

// DetectCycle looks for a dependency cycle using three-color DFS.
// If found, it returns the cycle as the node IDs on the DFS stack from the
// first repeated node to the point of detection. Returns nil for acyclic
// graphs. Node IDs are visited in ascending order, so the result is stable
// for a given input.
func (g *Graph) DetectCycle() []int64 {
	color := make(map[int64]int, len(g.ids))
	var stack []int64
	var cycle []int64

	var visit func(id int64) bool
	visit = func(id int64) bool {
		color[id] = gray
		stack = append(stack, id)

		// Follow dependency edges dep -> id, i.e. walk into each node's
		// dependencies so a back-edge means "depends on something above me".
		deps := append([]int64(nil), g.nodes[id].Deps...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, dep := range deps {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				// Back edge: slice the stack from the repeated node.
				for i, sid := range stack {
					if sid == dep {
						cycle = append([]int64(nil), stack[i:]...)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// CycleMembers returns every node that sits on a dependency cycle, ascending.
// It finds strongly connected components iteratively (Tarjan); a node is a
// cycle member if its component has more than one node, or it depends on
// itself. Unlike DetectCycle, which stops at the first cycle for reporting,
// this covers all of them.
func (g *Graph) CycleMembers() []int64 {
	index := make(map[int64]int, len(g.ids))
	lowlink := make(map[int64]int, len(g.ids))
	onStack := make(map[int64]bool, len(g.ids))
	var stack []int64
	next := 0

	var members []int64

	var strongconnect func(id int64)
	strongconnect = func(id int64) {
		index[id] = next
		lowlink[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range g.nodes[id].Deps {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			if _, seen := index[dep]; !seen {
				strongconnect(dep)
				if lowlink[dep] < lowlink[id] {
					lowlink[id] = lowlink[dep]
				}
			} else if onStack[dep] {
				if index[dep] < lowlink[id] {
					lowlink[id] = index[dep]
				}
			}
		}

		if lowlink[id] == index[id] {
			var scc []int64
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == id {
					break
				}
			}
			if len(scc) > 1 {
				members = append(members, scc...)
			} else if hasSelfLoop(g.nodes[scc[0]]) {
				members = append(members, scc[0])
			}
		}
	}

	for _, id := range g.ids {
		if _, seen := index[id]; !seen {
			strongconnect(id)
		}
	}

	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func hasSelfLoop(n *Node) bool {
	for _, dep := range n.Deps {
		if dep == n.ID {
			return true
		}
	}
	return false
}

// CycleError reports that a topological order could not be produced because
// one or more cycles remain. Nodes holds every node implicated in or blocked
// behind a cycle, ascending.
type CycleError struct {
	Nodes []int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving features %v", e.Nodes)
}

// TopologicalOrder computes an execution order via Kahn's algorithm.
// Nodes with zero unsatisfied dependencies are extracted first; ties break by
// ascending priority, then ascending ID, so repeated calls on identical input
// return identical output. Returns a CycleError if extraction stalls before
// all nodes are emitted.
func (g *Graph) TopologicalOrder() ([]int64, error) {
	indegree := make(map[int64]int, len(g.ids))
	for _, id := range g.ids {
		for _, dep := range g.nodes[id].Deps {
			if _, ok := g.nodes[dep]; ok {
				indegree[id]++
			}
		}
	}

	// frontier holds extractable nodes, kept sorted by (priority, id).
	var frontier []int64
	for _, id := range g.ids {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	less := func(a, b int64) bool {
		na, nb := g.nodes[a], g.nodes[b]
		if na.Priority != nb.Priority {
			return na.Priority < nb.Priority
		}
		return a < b
	}
	sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })

	order := make([]int64, 0, len(g.ids))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		for _, dependent := range g.dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
		sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
	}

	if len(order) != len(g.ids) {
		seen := make(map[int64]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		var stuck []int64
		for _, id := range g.ids {
			if !seen[id] {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{Nodes: stuck}
	}
	return order, nil
}
