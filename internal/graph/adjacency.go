package graph

import (
	"fmt"
)

// BuildAdjacencyList derives roots, leaves, the dependent map, and the
// longest dependency depth of a validated graph. Depth of a root is 0.
func BuildAdjacencyList(g *TaskGraph) *Adjacency {
	adj := &Adjacency{Dependents: make(map[string][]string, len(g.Tasks))}

	for _, id := range g.Order {
		task := g.Tasks[id]
		if len(task.DependsOn) == 0 {
			adj.RootTasks = append(adj.RootTasks, id)
		}
		for _, dep := range task.DependsOn {
			adj.Dependents[dep] = append(adj.Dependents[dep], id)
		}
	}
	for _, id := range g.Order {
		if len(adj.Dependents[id]) == 0 {
			adj.LeafTasks = append(adj.LeafTasks, id)
		}
	}

	// Depth is the longest dependency chain from any root, memoized per
	// task. Assumes the graph is acyclic (validated beforehand).
	depth := make(map[string]int, len(g.Tasks))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		max := 0
		for _, dep := range g.Tasks[id].DependsOn {
			if _, known := g.Tasks[dep]; !known {
				continue
			}
			if d := depthOf(dep) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}
	for _, id := range g.Order {
		if d := depthOf(id); d > adj.MaxDepth {
			adj.MaxDepth = d
		}
	}
	return adj
}

// Summary renders the one-line shape description used by the CLI.
func (a *Adjacency) Summary(taskCount int) string {
	return fmt.Sprintf("%d tasks, %d root(s), %d leaf(s), max depth %d",
		taskCount, len(a.RootTasks), len(a.LeafTasks), a.MaxDepth)
}

// TopoSort returns a total order consistent with depends_on edges. Among
// simultaneously-ready tasks the document insertion order wins, keeping the
// sort stable across runs.
func TopoSort(g *TaskGraph) ([]string, error) {
	indegree := make(map[string]int, len(g.Tasks))
	for _, id := range g.Order {
		indegree[id] = 0
	}
	for _, id := range g.Order {
		for _, dep := range g.Tasks[id].DependsOn {
			if _, ok := g.Tasks[dep]; ok {
				indegree[id]++
			}
		}
	}

	adj := BuildAdjacencyList(g)
	pos := make(map[string]int, len(g.Order))
	for i, id := range g.Order {
		pos[id] = i
	}

	// Ready set kept in insertion order; a linear scan per pop is fine at
	// task-graph scale.
	var ready []string
	for _, id := range g.Order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if pos[ready[i]] < pos[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, dependent := range adj.Dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(g.Tasks) {
		return nil, fmt.Errorf("graph contains a cycle; %d of %d tasks ordered",
			len(order), len(g.Tasks))
	}
	return order, nil
}
