// Package cycle implements the Cycle Finder and Victim Selector (spec
// §4.D, §4.E): depth-first cycle enumeration over a wait-for graph and
// deterministic victim selection from the cycles it reports.
package cycle

import (
	"sort"

	"github.com/hawkdlm/hawkdlm/internal/ids"
)

// Graph is an adjacency list over TransactionIds: Graph[w] lists every
// h that w is waiting for.
type Graph map[ids.TransactionId][]ids.TransactionId

// Result is the output of FindCycles: every cycle reported (the same
// underlying cycle may appear under more than one rotation) and how
// many reported cycles each vertex participates in.
type Result struct {
	Cycles    [][]ids.TransactionId
	Frequency map[ids.TransactionId]int
}

// FindCycles enumerates directed cycles in graph via depth-first
// traversal with a recursion-stack flag and a parent pointer per
// vertex, reconstructing each cycle by walking parents backward from
// the vertex that closed it. A per-vertex "remaining visits" budget,
// initialised to |out-degree - in-degree| + 1, lets a vertex be
// revisited to surface multiple cycles sharing a prefix; traversal
// will not descend into a vertex whose budget has reached zero unless
// doing so closes a cycle (the vertex is on the recursion stack).
//
// The output is informative, not minimal: callers that need the
// cycles deduplicated by vertex set should do so themselves.
func FindCycles(graph Graph) Result {
	f := &finder{
		graph:     graph,
		budget:    make(map[ids.TransactionId]int),
		onStack:   make(map[ids.TransactionId]bool),
		parent:    make(map[ids.TransactionId]ids.TransactionId),
		frequency: make(map[ids.TransactionId]int),
	}
	f.initBudgets()

	// Iterate vertices in a stable order so repeated calls on the same
	// graph produce the same cycle ordering (Go map iteration is not
	// stable).
	for _, v := range f.orderedVertices() {
		f.dfs(v)
	}

	return Result{Cycles: f.cycles, Frequency: f.frequency}
}

type finder struct {
	graph     Graph
	budget    map[ids.TransactionId]int
	onStack   map[ids.TransactionId]bool
	parent    map[ids.TransactionId]ids.TransactionId
	frequency map[ids.TransactionId]int
	cycles    [][]ids.TransactionId
}

func (f *finder) initBudgets() {
	outDeg := make(map[ids.TransactionId]int)
	inDeg := make(map[ids.TransactionId]int)
	for u, targets := range f.graph {
		outDeg[u] = len(targets)
		for _, v := range targets {
			inDeg[v]++
		}
	}
	seen := make(map[ids.TransactionId]bool)
	note := func(v ids.TransactionId) {
		if seen[v] {
			return
		}
		seen[v] = true
		d := outDeg[v] - inDeg[v]
		if d < 0 {
			d = -d
		}
		f.budget[v] = d + 1
		f.onStack[v] = false
		f.parent[v] = 0
		f.frequency[v] = 0
	}
	for u, targets := range f.graph {
		note(u)
		for _, v := range targets {
			note(v)
		}
	}
}

func (f *finder) orderedVertices() []ids.TransactionId {
	out := make([]ids.TransactionId, 0, len(f.graph))
	for u := range f.graph {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *finder) dfs(u ids.TransactionId) {
	f.budget[u]--
	f.onStack[u] = true

	neighbors := f.graph[u]
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

	for _, v := range neighbors {
		switch {
		case f.budget[v] > 0:
			f.parent[v] = u
			f.dfs(v)
		case f.onStack[v]:
			f.reportCycle(u, v)
		}
	}

	f.onStack[u] = false
}

func (f *finder) reportCycle(u, v ids.TransactionId) {
	var cyc []ids.TransactionId
	curr := u
	for curr != v {
		cyc = append(cyc, curr)
		f.frequency[curr]++
		curr = f.parent[curr]
	}
	cyc = append(cyc, v)
	f.frequency[v]++

	for i, j := 0, len(cyc)-1; i < j; i, j = i+1, j-1 {
		cyc[i], cyc[j] = cyc[j], cyc[i]
	}
	f.cycles = append(f.cycles, cyc)
}

// SelectVictim picks the abort victim from cycle using frequency,
// breaking ties by smallest id, per §4.E. A vertex present in many
// reported cycles is likely to break the most of them when aborted;
// no age, priority, or cost is consulted.
func SelectVictim(cycleVertices []ids.TransactionId, frequency map[ids.TransactionId]int) ids.TransactionId {
	best := cycleVertices[0]
	bestFreq := frequency[best]
	for _, v := range cycleVertices[1:] {
		freq := frequency[v]
		if freq > bestFreq || (freq == bestFreq && v < best) {
			best, bestFreq = v, freq
		}
	}
	return best
}
