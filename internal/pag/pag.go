// Package pag builds the Precedence Agreement Graph from sampled
// cross-node wait edges and cuts it into detection zones by strongly
// connected component, the node-level half of the HAWK engine (§4.H).
package pag

import (
	"sort"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/locktable"
)

// Graph is an adjacency list over NodeIds.
type Graph map[ids.NodeId][]ids.NodeId

// Build collapses a set of sampled WFDEdges into a PAG: an edge
// (wNode -> hNode) exists whenever at least one sampled WFDEdge had
// those endpoints. Multi-edges are collapsed by deduplicating the
// adjacency list per source node.
func Build(edges []locktable.WFDEdge) Graph {
	seen := make(map[ids.NodeId]map[ids.NodeId]bool)
	for _, e := range edges {
		wNode, hNode := e.W.Home, e.H.Home
		if wNode == hNode {
			continue
		}
		if seen[wNode] == nil {
			seen[wNode] = make(map[ids.NodeId]bool)
		}
		seen[wNode][hNode] = true
	}
	g := make(Graph, len(seen))
	for w, targets := range seen {
		for h := range targets {
			g[w] = append(g[w], h)
		}
		sort.Slice(g[w], func(i, j int) bool { return g[w][i] < g[w][j] })
	}
	return g
}

// tarjan computes the strongly connected components of g using
// iterative Tarjan (an explicit stack of discovery/low-link frames,
// rather than language-stack recursion, so SCC computation cannot
// overflow the goroutine stack on a large PAG).
func tarjan(g Graph, allNodes []ids.NodeId) [][]ids.NodeId {
	disc := make(map[ids.NodeId]int)
	low := make(map[ids.NodeId]int)
	onStack := make(map[ids.NodeId]bool)
	var stack []ids.NodeId
	var sccs [][]ids.NodeId
	timer := 0

	type frame struct {
		node    ids.NodeId
		nbrIdx  int
		nbrs    []ids.NodeId
	}

	for _, start := range allNodes {
		if _, visited := disc[start]; visited {
			continue
		}

		var work []frame
		push := func(n ids.NodeId) {
			timer++
			disc[n] = timer
			low[n] = timer
			stack = append(stack, n)
			onStack[n] = true
			nbrs := append([]ids.NodeId(nil), g[n]...)
			sort.Slice(nbrs, func(i, j int) bool { return nbrs[i] < nbrs[j] })
			work = append(work, frame{node: n, nbrs: nbrs})
		}
		push(start)

		for len(work) > 0 {
			top := &work[len(work)-1]
			if top.nbrIdx < len(top.nbrs) {
				v := top.nbrs[top.nbrIdx]
				top.nbrIdx++
				if _, visited := disc[v]; !visited {
					push(v)
					continue
				}
				if onStack[v] && disc[v] < low[top.node] {
					low[top.node] = disc[v]
				}
				continue
			}

			u := top.node
			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := &work[len(work)-1]
				if low[u] < low[parent.node] {
					low[parent.node] = low[u]
				}
			}

			if low[u] == disc[u] {
				var scc []ids.NodeId
				for {
					n := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[n] = false
					scc = append(scc, n)
					if n == u {
						break
					}
				}
				for i, j := 0, len(scc)-1; i < j; i, j = i+1, j-1 {
					scc[i], scc[j] = scc[j], scc[i]
				}
				sccs = append(sccs, scc)
			}
		}
	}
	return sccs
}

// CutZones computes SCCs over g restricted to allNodes (the universe
// of currently active nodes — every node must end up in exactly one
// zone, §3's zone invariant), keeps components of size >= threshold as
// zones, and places every other node — whether it fell into an
// undersized SCC or never appeared in the PAG at all — into its own
// singleton zone. Each zone's leader is its numerically smallest node.
func CutZones(g Graph, allNodes []ids.NodeId, threshold int) (zones [][]ids.NodeId, leaders []ids.NodeId) {
	sccs := tarjan(g, allNodes)

	covered := make(map[ids.NodeId]bool)
	for _, scc := range sccs {
		if len(scc) < threshold {
			continue
		}
		leader := scc[0]
		for _, n := range scc[1:] {
			if n < leader {
				leader = n
			}
		}
		zones = append(zones, append([]ids.NodeId(nil), scc...))
		leaders = append(leaders, leader)
		for _, n := range scc {
			covered[n] = true
		}
	}

	for _, n := range allNodes {
		if covered[n] {
			continue
		}
		zones = append(zones, []ids.NodeId{n})
		leaders = append(leaders, n)
		covered[n] = true
	}
	return zones, leaders
}
