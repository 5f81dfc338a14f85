package locktable

import (
	"testing"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is a minimal stand-in for *txn.Registry, tracking only
// what the Builder needs.
type fakeRegistry struct {
	homes      map[ids.TransactionId]ids.NodeId
	waitingFor map[ids.TransactionId]ids.ResourceId
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		homes:      make(map[ids.TransactionId]ids.NodeId),
		waitingFor: make(map[ids.TransactionId]ids.ResourceId),
	}
}

func (f *fakeRegistry) Home(id ids.TransactionId) (ids.NodeId, bool) {
	h, ok := f.homes[id]
	return h, ok
}

func (f *fakeRegistry) WaitingResource(id ids.TransactionId) (ids.ResourceId, bool) {
	r, ok := f.waitingFor[id]
	return r, ok
}

func setup(t *testing.T) (*Builder, *resource.Manager, *fakeRegistry) {
	t.Helper()
	res := resource.New(1, 1000, nil, nil)
	reg := newFakeRegistry()
	reg.homes[1] = 1
	reg.homes[2] = 1
	return New(1, res, reg), res, reg
}

func TestBuildLocalWFG_SingleEdge(t *testing.T) {
	b, res, reg := setup(t)

	_, err := res.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	result, err := res.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)
	require.Equal(t, resource.Queued, result)
	reg.waitingFor[2] = 10

	active := map[ids.TransactionId]struct{}{1: {}, 2: {}}
	wfg := b.BuildLocalWFG(active)

	assert.Equal(t, []ids.TransactionId{1}, wfg[2])
}

func TestBuildLocalWFG_SkipsInactive(t *testing.T) {
	b, res, reg := setup(t)

	_, err := res.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	_, err = res.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)
	reg.waitingFor[2] = 10

	active := map[ids.TransactionId]struct{}{2: {}} // 1 not active (already finished)
	wfg := b.BuildLocalWFG(active)

	assert.Empty(t, wfg[2])
}

func TestBuildLocalWFG_StaleQueueHeadSkipped(t *testing.T) {
	b, res, _ := setup(t)

	_, err := res.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	_, err = res.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)
	// reg never records 2 as waiting on 10 — simulating a registry
	// update that raced ahead of the resource manager's queue state.

	active := map[ids.TransactionId]struct{}{1: {}, 2: {}}
	wfg := b.BuildLocalWFG(active)
	assert.Empty(t, wfg)
}

func TestCollectCrossNodeEdges_OnlyCrossNode(t *testing.T) {
	b, res, reg := setup(t)
	reg.homes[2] = 1 // same home as holder 1 -- not cross-node

	_, err := res.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	_, err = res.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)
	reg.waitingFor[2] = 10

	edges := b.CollectCrossNodeEdges()
	assert.Empty(t, edges, "both endpoints share a home node")

	delete(reg.homes, 2)
	b.RecordRemoteHome(2, 9) // now node 2's waiter is remote
	edges = b.CollectCrossNodeEdges()
	require.Len(t, edges, 1)
	assert.Equal(t, ids.TransactionId(2), edges[0].W.Txn)
	assert.Equal(t, ids.TransactionId(1), edges[0].H.Txn)
	assert.Equal(t, ids.NodeId(9), edges[0].W.Home)
	assert.Equal(t, ids.NodeId(1), edges[0].H.Home)
}

func TestResolveHome_FallsBackToRemoteCache(t *testing.T) {
	b, _, _ := setup(t)
	_, ok := b.ResolveHome(42)
	assert.False(t, ok)

	b.RecordRemoteHome(42, 7)
	home, ok := b.ResolveHome(42)
	require.True(t, ok)
	assert.Equal(t, ids.NodeId(7), home)

	b.ForgetRemoteHome(42)
	_, ok = b.ResolveHome(42)
	assert.False(t, ok)
}

func TestLocalHomes_BestEffort(t *testing.T) {
	b, _, _ := setup(t)
	b.RecordRemoteHome(3, 5)
	wfg := map[ids.TransactionId][]ids.TransactionId{
		1: {3},  // 1's home resolves via fakeRegistry
		99: {3}, // 99 unresolvable, simply omitted
	}
	homes := b.LocalHomes(wfg)
	assert.Equal(t, ids.NodeId(1), homes[1])
	assert.Equal(t, ids.NodeId(5), homes[3])
	_, ok := homes[99]
	assert.False(t, ok)
}
