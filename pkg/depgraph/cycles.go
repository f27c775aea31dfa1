package depgraph

import (
	"sort"

	"gonum.org/v1/gonum/graph"
)

// Cycle is a set of sources that mutually depend on each other
type Cycle struct {
	Sources []string `json:"sources"`
}

// Cycles reports the strongly connected components with more than one
// source. Cycles are legal at the raw-edge level (re-trigger traversal
// terminates via the per-settle-cycle visited set); this is a diagnostic
// surfaced to users so they can untangle their content.
func (g *DependencyGraph) Cycles() []Cycle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	finder := newSCCFinder(g.graph)
	var cycles []Cycle
	for _, scc := range finder.find() {
		cycle := Cycle{Sources: make([]string, 0, len(scc))}
		for _, id := range scc {
			if source, ok := g.sourceForID[id]; ok {
				cycle.Sources = append(cycle.Sources, source)
			}
		}
		sort.Strings(cycle.Sources)
		cycles = append(cycles, cycle)
	}
	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].Sources[0] < cycles[j].Sources[0]
	})
	return cycles
}

// sccFinder runs Tarjan's algorithm over the dependency graph
type sccFinder struct {
	graph   graph.Directed
	index   int
	stack   []int64
	onStack map[int64]bool
	indices map[int64]int
	lowLink map[int64]int
	sccs    [][]int64
}

func newSCCFinder(g graph.Directed) *sccFinder {
	return &sccFinder{
		graph:   g,
		onStack: make(map[int64]bool),
		indices: make(map[int64]int),
		lowLink: make(map[int64]int),
	}
}

// find returns all strongly connected components with more than one node
func (t *sccFinder) find() [][]int64 {
	nodes := t.graph.Nodes()
	for nodes.Next() {
		node := nodes.Node()
		if _, visited := t.indices[node.ID()]; !visited {
			t.strongConnect(node.ID())
		}
	}
	return t.sccs
}

func (t *sccFinder) strongConnect(nodeID int64) {
	t.indices[nodeID] = t.index
	t.lowLink[nodeID] = t.index
	t.index++

	t.stack = append(t.stack, nodeID)
	t.onStack[nodeID] = true

	successors := t.graph.From(nodeID)
	for successors.Next() {
		successorID := successors.Node().ID()
		if _, visited := t.indices[successorID]; !visited {
			t.strongConnect(successorID)
			t.lowLink[nodeID] = min(t.lowLink[nodeID], t.lowLink[successorID])
		} else if t.onStack[successorID] {
			t.lowLink[nodeID] = min(t.lowLink[nodeID], t.indices[successorID])
		}
	}

	// Root of an SCC: pop the stack down to this node
	if t.lowLink[nodeID] == t.indices[nodeID] {
		var scc []int64
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == nodeID {
				break
			}
		}
		if len(scc) > 1 {
			t.sccs = append(t.sccs, scc)
		}
	}
}
