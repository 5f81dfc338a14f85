// Package locktable implements the Lock Table / WFG Builder (spec
// §4.C): two pure, snapshot-style operations over the Resource Manager
// and the Transaction Registry that produce the local wait-for graph
// and its cross-node edges.
package locktable

import (
	"sync"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/resource"
)

// registry is the slice of *txn.Registry the builder needs, kept
// narrow so this package does not import txn and create an import
// cycle with higher-level wiring.
type registry interface {
	WaitingResource(id ids.TransactionId) (ids.ResourceId, bool)
	Home(id ids.TransactionId) (ids.NodeId, bool)
}

// Builder produces local wait-for-graph snapshots from a node's
// Resource Manager and Transaction Registry.
//
// Resource holders and wait queues only store TransactionIds (§3); a
// lock held on a local resource by a transaction whose home is a
// different node is identified the same way as a local one. To
// annotate cross-node edges with home nodes (§4.C), the Builder keeps
// a small side cache of "which home node did this foreign id's
// LOCK_REQUEST arrive from" — populated by the node's LOCK_REQUEST
// handler as remote requests come in — in addition to the local registry's own
// Home() lookups for this node's own transactions.
type Builder struct {
	node      ids.NodeId
	resources *resource.Manager
	registry  registry

	mu          sync.Mutex
	remoteHomes map[ids.TransactionId]ids.NodeId
}

// New constructs a Builder for node.
func New(node ids.NodeId, resources *resource.Manager, reg registry) *Builder {
	return &Builder{
		node:        node,
		resources:   resources,
		registry:    reg,
		remoteHomes: make(map[ids.TransactionId]ids.NodeId),
	}
}

// RecordRemoteHome notes that a LOCK_REQUEST for id arrived from home.
// Called by the node's LOCK_REQUEST handler.
func (b *Builder) RecordRemoteHome(id ids.TransactionId, home ids.NodeId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remoteHomes[id] = home
}

// ForgetRemoteHome drops a cached remote home once its transaction
// finishes, so the cache does not grow without bound.
func (b *Builder) ForgetRemoteHome(id ids.TransactionId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.remoteHomes, id)
}

func (b *Builder) resolveHome(id ids.TransactionId) (ids.NodeId, bool) {
	if home, ok := b.registry.Home(id); ok {
		return home, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	home, ok := b.remoteHomes[id]
	return home, ok
}

// ResolveHome is the public form of resolveHome, used by detection
// engines that need to annotate a reported WFG with home nodes before
// sending it over the wire, so a remote coordinator can eventually
// route an abort signal to the right node without assuming
// TransactionIds are globally unique.
func (b *Builder) ResolveHome(id ids.TransactionId) (ids.NodeId, bool) {
	return b.resolveHome(id)
}

// LocalHomes resolves the home node of every vertex appearing in wfg
// (as either a waiter or a holder), best-effort: a vertex whose home
// cannot be resolved is simply omitted rather than failing the whole
// report.
func (b *Builder) LocalHomes(wfg map[ids.TransactionId][]ids.TransactionId) map[ids.TransactionId]ids.NodeId {
	homes := make(map[ids.TransactionId]ids.NodeId)
	resolve := func(id ids.TransactionId) {
		if _, done := homes[id]; done {
			return
		}
		if home, ok := b.resolveHome(id); ok {
			homes[id] = home
		}
	}
	for w, holders := range wfg {
		resolve(w)
		for _, h := range holders {
			resolve(h)
		}
	}
	return homes
}

// waiterStillWaiting rechecks that id still reports itself waiting on
// r, guarding against a stale queue head. The registry only tracks
// this node's own transactions; for a waiter whose home is a different
// node, this node has no independent bookkeeping to cross-check
// against, so the local wait queue's own state is trusted directly.
func (b *Builder) waiterStillWaiting(id ids.TransactionId, r ids.ResourceId) bool {
	if _, local := b.registry.Home(id); !local {
		return true
	}
	waitingFor, ok := b.registry.WaitingResource(id)
	return ok && waitingFor == r
}

// WFDEdge is a cross-node wait edge: W waits for H, where the two
// refs' home nodes differ. Each endpoint is a TxnRef rather than a
// bare TransactionId because a cross-node edge is meaningless without
// knowing which node to route an eventual abort signal to.
type WFDEdge struct {
	W ids.TxnRef
	H ids.TxnRef
}

// BuildLocalWFG builds the local wait-for graph, restricted to waiters
// and holders in activeSet. For each locally-owned resource with both
// holders and a waiting head, the registry is rechecked so a holder
// that released between the two resource-manager calls doesn't leave a
// phantom edge: if the head no longer reports itself waiting on this
// resource, the edge is stale and skipped.
func (b *Builder) BuildLocalWFG(activeSet map[ids.TransactionId]struct{}) map[ids.TransactionId][]ids.TransactionId {
	wfg := make(map[ids.TransactionId][]ids.TransactionId)

	for _, r := range b.resources.LocalResources() {
		holders := b.resources.HoldersOf(r)
		if len(holders) == 0 {
			continue
		}
		head, ok := b.resources.QueueHead(r)
		if !ok {
			continue
		}
		if !b.waiterStillWaiting(head, r) {
			continue
		}
		if _, active := activeSet[head]; !active {
			continue
		}

		for h := range holders {
			if h == head {
				continue
			}
			if _, active := activeSet[h]; !active {
				continue
			}
			wfg[head] = append(wfg[head], h)
		}
	}
	return wfg
}

// CollectCrossNodeEdges is BuildLocalWFG's cross-node sibling: it
// annotates each local edge with the home nodes of both endpoints and
// keeps only the ones that actually cross a node boundary. An edge
// whose endpoint home cannot be resolved (neither a local transaction
// nor a remote id this node has seen a LOCK_REQUEST for) is dropped —
// consistent with §4.C's tolerance for missing updates.
func (b *Builder) CollectCrossNodeEdges() []WFDEdge {
	var edges []WFDEdge

	for _, r := range b.resources.LocalResources() {
		holders := b.resources.HoldersOf(r)
		if len(holders) == 0 {
			continue
		}
		head, ok := b.resources.QueueHead(r)
		if !ok {
			continue
		}
		if !b.waiterStillWaiting(head, r) {
			continue
		}
		wHome, ok := b.resolveHome(head)
		if !ok {
			continue
		}

		for h := range holders {
			if h == head {
				continue
			}
			hHome, ok := b.resolveHome(h)
			if !ok {
				continue
			}
			if wHome == hHome {
				continue
			}
			edges = append(edges, WFDEdge{W: ids.TxnRef{Txn: head, Home: wHome}, H: ids.TxnRef{Txn: h, Home: hHome}})
		}
	}
	return edges
}
