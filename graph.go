package pgfast

import (
	"container/heap"
	"fmt"
	"sort"
)

// Graph is the dependency DAG built from a set of Migration records:
// version -> the versions it depends on.
type Graph struct {
	versions map[int64]*Migration
	deps     map[int64][]int64
}

// BuildGraph parses declared dependencies for every migration and
// validates that each one resolves to a known migration in the set.
// Unknown dependencies fail here, before any DDL runs.
func BuildGraph(migrations []*Migration) (*Graph, error) {
	versions := make(map[int64]*Migration, len(migrations))
	for _, m := range migrations {
		versions[m.Version] = m
	}

	deps := make(map[int64][]int64, len(migrations))
	for _, m := range migrations {
		declared, err := m.DeclaredDependencies()
		if err != nil {
			return nil, fmt.Errorf("parse dependencies for migration %d: %w", m.Version, err)
		}

		ordered := make([]int64, 0, len(declared))
		for dep := range declared {
			if _, ok := versions[dep]; !ok {
				return nil, newDependencyError(fmt.Sprintf("migration %d depends on unknown migration %d", m.Version, dep))
			}
			ordered = append(ordered, dep)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
		deps[m.Version] = ordered
	}

	return &Graph{versions: versions, deps: deps}, nil
}

// Dependencies returns a copy of version -> its declared dependencies.
func (g *Graph) Dependencies() map[int64][]int64 {
	out := make(map[int64][]int64, len(g.deps))
	for v, d := range g.deps {
		cp := make([]int64, len(d))
		copy(cp, d)
		out[v] = cp
	}
	return out
}

// versionHeap is a min-heap over versions, used to deterministically
// break ties in Kahn's algorithm by always advancing the lowest ready
// version.
type versionHeap []int64

func (h versionHeap) Len() int            { return len(h) }
func (h versionHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h versionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *versionHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *versionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// TopoSort produces a linear order in which each migration appears after
// all of its transitive dependencies, via Kahn's algorithm with the
// lowest-ready-version tie-break. If fewer than len(versions) nodes
// emerge, the residual subgraph is cyclic and a DependencyError names one
// offending edge.
func (g *Graph) TopoSort() ([]int64, error) {
	inDegree := make(map[int64]int, len(g.versions))
	dependents := make(map[int64][]int64, len(g.versions))
	for v := range g.versions {
		inDegree[v] = len(g.deps[v])
	}
	for v, ds := range g.deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], v)
		}
	}

	ready := &versionHeap{}
	for v, deg := range inDegree {
		if deg == 0 {
			heap.Push(ready, v)
		}
	}

	order := make([]int64, 0, len(g.versions))
	for ready.Len() > 0 {
		v := heap.Pop(ready).(int64)
		order = append(order, v)

		successors := append([]int64(nil), dependents[v]...)
		sort.Slice(successors, func(i, j int) bool { return successors[i] < successors[j] })
		for _, s := range successors {
			inDegree[s]--
			if inDegree[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}

	if len(order) < len(g.versions) {
		x, y := g.findCycleEdge(inDegree)
		return nil, newDependencyError(fmt.Sprintf("circular dependency between %d and %d", x, y))
	}

	return order, nil
}

// findCycleEdge returns one edge from the still-blocked residual
// subgraph, for a human-readable cycle error.
func (g *Graph) findCycleEdge(inDegree map[int64]int) (int64, int64) {
	residual := make([]int64, 0)
	for v, deg := range inDegree {
		if deg > 0 {
			residual = append(residual, v)
		}
	}
	sort.Slice(residual, func(i, j int) bool { return residual[i] < residual[j] })

	for _, v := range residual {
		for _, d := range g.deps[v] {
			if inDegree[d] > 0 {
				return v, d
			}
		}
	}
	if len(residual) > 0 {
		return residual[0], residual[0]
	}
	return 0, 0
}

// ReverseTopoSort returns TopoSort's order reversed, so that rolling back
// in this order undoes a migration only after everything that depends on
// it has itself been rolled back.
func (g *Graph) ReverseTopoSort() ([]int64, error) {
	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	reversed := make([]int64, len(order))
	for i, v := range order {
		reversed[len(order)-1-i] = v
	}
	return reversed, nil
}
