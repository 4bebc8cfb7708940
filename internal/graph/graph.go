// Package graph builds and validates the step dependency DAG and computes
// execution levels. Edges come from each step's inputs[].step references:
// a missing required reference fails validation, a missing optional one is
// dropped silently. Cycle detection uses Kahn's algorithm, and a
// deterministic Order slice is kept alongside the adjacency maps so
// iteration order never depends on map ranging.
package graph

import (
	"sort"
	"strings"

	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/model"
)

// Graph is the dependency DAG over a set of resolved steps.
type Graph struct {
	Deps       map[string][]string // step -> steps it depends on
	Dependents map[string][]string // step -> steps that depend on it
	InDegree   map[string]int
	Order      []string // step ids in input order, for deterministic iteration
}

// BuildGraph constructs the dependency adjacency from each step's
// inputs[].step references. Optional references to unknown
// steps are dropped (not an edge, not an error); optional references to
// known steps still produce an edge, since the dependency must still run
// before the (possibly missing) artifact can be checked.
func BuildGraph(steps []model.Step) (*Graph, error) {
	g := &Graph{
		Deps:       make(map[string][]string),
		Dependents: make(map[string][]string),
		InDegree:   make(map[string]int),
	}

	byID := make(map[string]model.Step, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; dup {
			return nil, errs.New(errs.ValidationError, "duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
		g.Order = append(g.Order, s.ID)
		g.InDegree[s.ID] = 0
	}

	edgeSeen := make(map[string]bool)
	addEdge := func(from, to string) {
		key := from + "\x00" + to
		if edgeSeen[key] {
			return
		}
		edgeSeen[key] = true
		g.Deps[to] = append(g.Deps[to], from)
		g.Dependents[from] = append(g.Dependents[from], to)
		g.InDegree[to]++
	}

	for _, s := range steps {
		for _, in := range s.Inputs {
			if in.Step == s.ID {
				return nil, errs.New(errs.CyclicDependency, "step %q: self-dependency via input %q", s.ID, in.Alias)
			}
			if _, ok := byID[in.Step]; !ok {
				if in.Optional {
					continue
				}
				return nil, errs.New(errs.ValidationError, "step %q: unknown dependency %q (input %q)", s.ID, in.Step, in.Alias)
			}
			addEdge(in.Step, s.ID)
		}
	}

	return g, nil
}

// Validate re-checks structural invariants (per-step validation plus a
// cycle scan). BuildGraph already rejects self-edges and unknown required
// refs inline; Validate additionally catches longer cycles across steps.
func Validate(g *Graph, steps []model.Step) error {
	for _, s := range steps {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if cyc := findCycle(g); len(cyc) > 0 {
		return errs.New(errs.CyclicDependency, "dependency cycle among steps: %s", strings.Join(cyc, ", "))
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the ids that never reach
// in-degree zero — i.e. the steps participating in a cycle. Returns nil if
// the graph is acyclic.
func findCycle(g *Graph) []string {
	inDeg := make(map[string]int, len(g.InDegree))
	for id, d := range g.InDegree {
		inDeg[id] = d
	}

	var queue []string
	for _, id := range g.Order {
		if inDeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.Dependents[curr] {
			inDeg[dep]--
			if inDeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(g.Order) {
		return nil
	}
	var cyc []string
	for _, id := range g.Order {
		if inDeg[id] > 0 {
			cyc = append(cyc, id)
		}
	}
	sort.Strings(cyc)
	return cyc
}

// TopologicalLevels groups steps into levels by dependency depth: level 0
// holds every step with no dependencies; level N+1 holds steps whose
// dependencies are all satisfied by levels 0..N. Steps within a level may
// run in parallel; levels execute strictly in order.
func TopologicalLevels(g *Graph) [][]string {
	inDeg := make(map[string]int, len(g.InDegree))
	for id, d := range g.InDegree {
		inDeg[id] = d
	}

	remaining := make(map[string]bool, len(g.Order))
	for _, id := range g.Order {
		remaining[id] = true
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for _, id := range g.Order {
			if remaining[id] && inDeg[id] == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Should be unreachable if Validate ran first; bail to avoid
			// an infinite loop on an unvalidated cyclic graph.
			break
		}
		for _, id := range level {
			delete(remaining, id)
			for _, dep := range g.Dependents[id] {
				inDeg[dep]--
			}
		}
		levels = append(levels, level)
	}
	return levels
}

// Subgraph returns the closure of targets plus all of their ancestors
// (transitive dependencies). The result is returned as the set of step ids
// in the closure; callers use it to filter the step list before rebuilding
// a graph scoped to just those steps.
func Subgraph(g *Graph, targets []string) map[string]bool {
	closure := make(map[string]bool, len(targets))
	var visit func(id string)
	visit = func(id string) {
		if closure[id] {
			return
		}
		closure[id] = true
		for _, dep := range g.Deps[id] {
			visit(dep)
		}
	}
	for _, t := range targets {
		visit(t)
	}
	return closure
}

// LeafNodes returns the ids of steps that nothing else depends on.
func LeafNodes(g *Graph) []string {
	var leaves []string
	for _, id := range g.Order {
		if len(g.Dependents[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}
