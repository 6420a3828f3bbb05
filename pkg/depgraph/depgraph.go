// Package depgraph builds and orders the step dependency DAG: cycle
// detection, roots, direct dependents, and a topological iterator.
// Implemented on stdlib map adjacency plus DFS. See DESIGN.md for why
// no third-party graph library is used.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/cuemby/steprunner/pkg/types"
)

// Graph is the dependency DAG over a set of steps, keyed by step ID.
type Graph struct {
	order      []string            // insertion order, for deterministic output
	dependsOn  map[string][]string // stepID -> its declared dependencies
	dependents map[string][]string // stepID -> steps that depend on it
}

// Build constructs a Graph from steps and rejects cycles. The error
// returned on a cycle is *types.ErrCyclicDependency.
func Build(steps []types.Step) (*Graph, error) {
	g := &Graph{
		dependsOn:  make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}
	for _, s := range steps {
		g.order = append(g.order, s.ID)
		g.dependsOn[s.ID] = append([]string(nil), s.DependsOn...)
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &types.ErrCyclicDependency{Cycle: cycle}
	}
	return g, nil
}

// findCycle runs a DFS with a recursion-stack marker over every node,
// returning the first cycle found as a path, or nil if the graph is
// acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.dependsOn[id] {
			switch color[dep] {
			case gray:
				// found the cycle: dep is already on the current path
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append([]string(nil), path[start:]...)
				cycle = append(cycle, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// Roots returns every step with no dependencies, in declaration order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.dependsOn[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// DependsOn returns id's direct dependencies.
func (g *Graph) DependsOn(id string) []string {
	return append([]string(nil), g.dependsOn[id]...)
}

// Dependents returns the steps that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	out := append([]string(nil), g.dependents[id]...)
	sort.Strings(out)
	return out
}

// TransitiveDependents returns every step that depends, directly or
// transitively, on id.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(cur string) {
		for _, d := range g.dependents[cur] {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			walk(d)
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// TopoOrder returns a topological ordering of every step in the
// graph, stable and deterministic given the same input (ties broken
// by original declaration order).
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.dependsOn[id])
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var out []string
	for len(ready) > 0 {
		// pop the earliest-declared ready node for determinism
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)

		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertInDeclarationOrder(ready, dep, g.order)
			}
		}
	}

	if len(out) != len(g.order) {
		return nil, fmt.Errorf("depgraph: topological sort could not order all steps (cycle slipped past Build)")
	}
	return out, nil
}

// insertInDeclarationOrder inserts id into ready keeping the overall
// slice sorted by original declaration order in declOrder.
func insertInDeclarationOrder(ready []string, id string, declOrder []string) []string {
	pos := make(map[string]int, len(declOrder))
	for i, d := range declOrder {
		pos[d] = i
	}
	idx := len(ready)
	for i, r := range ready {
		if pos[id] < pos[r] {
			idx = i
			break
		}
	}
	out := append([]string(nil), ready[:idx]...)
	out = append(out, id)
	out = append(out, ready[idx:]...)
	return out
}
