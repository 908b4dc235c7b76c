// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"slices"
)

// dependencyGraph is an adjacency-list graph over plugin names. Edges point
// from a dependency to its dependent. Node ids follow first appearance: a
// plugin's own name, then the names it depends on, in load order.
type dependencyGraph struct {
	names  []string
	ids    map[string]int
	succ   [][]int
	pred   [][]int
	backed []bool
	edges  map[[2]int]struct{}
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{
		ids:   make(map[string]int),
		edges: make(map[[2]int]struct{}),
	}
}

// node returns the id for name, adding a node on first sight.
func (g *dependencyGraph) node(name string) int {
	if id, ok := g.ids[name]; ok {
		return id
	}
	id := len(g.names)
	g.ids[name] = id
	g.names = append(g.names, name)
	g.succ = append(g.succ, nil)
	g.pred = append(g.pred, nil)
	g.backed = append(g.backed, false)
	return id
}

// addPlugin adds name as a backed node plus one edge per distinct dependency.
func (g *dependencyGraph) addPlugin(name string, deps []string) {
	self := g.node(name)
	g.backed[self] = true
	for _, dep := range deps {
		g.addEdge(g.node(dep), self)
	}
}

func (g *dependencyGraph) addEdge(from, to int) {
	key := [2]int{from, to}
	if _, ok := g.edges[key]; ok {
		return
	}
	g.edges[key] = struct{}{}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
}

// phantoms returns the ids of nodes no loaded plugin backs.
func (g *dependencyGraph) phantoms() []int {
	var ids []int
	for id, ok := range g.backed {
		if !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// topoSort orders the nodes with Kahn's algorithm, always taking the ready
// node with the lowest id. It returns a *CycleError if the graph is cyclic.
func (g *dependencyGraph) topoSort() ([]int, error) {
	indegree := make([]int, len(g.names))
	var ready []int
	for id := range g.names {
		indegree[id] = len(g.pred[id])
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]int, 0, len(g.names))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range g.succ[id] {
			indegree[next]--
			if indegree[next] == 0 {
				pos, _ := slices.BinarySearch(ready, next)
				ready = slices.Insert(ready, pos, next)
			}
		}
	}

	if len(order) < len(g.names) {
		return nil, &CycleError{Cycle: g.findCycle(indegree)}
	}
	return order, nil
}

// findCycle extracts one cycle from the nodes Kahn's algorithm could not
// order. Every such node keeps a predecessor that is also unordered, so
// walking predecessors from any of them must revisit a node.
func (g *dependencyGraph) findCycle(indegree []int) []string {
	start := -1
	for id, d := range indegree {
		if d > 0 {
			start = id
			break
		}
	}
	if start < 0 {
		return nil
	}

	seen := make(map[int]int)
	var walk []int
	for id := start; ; {
		if pos, ok := seen[id]; ok {
			walk = walk[pos:]
			break
		}
		seen[id] = len(walk)
		walk = append(walk, id)
		id = g.unorderedPred(id, indegree)
	}

	// walk runs against the edges; report it in run order.
	cycle := make([]string, 0, len(walk)+1)
	for i := len(walk) - 1; i >= 0; i-- {
		cycle = append(cycle, g.names[walk[i]])
	}
	return append(cycle, cycle[0])
}

func (g *dependencyGraph) unorderedPred(id int, indegree []int) int {
	best := -1
	for _, p := range g.pred[id] {
		if indegree[p] > 0 && (best < 0 || p < best) {
			best = p
		}
	}
	return best
}
