package centralized

import (
	"testing"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/abort"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/locktable"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"github.com/hawkdlm/hawkdlm/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	aborted []ids.TransactionId
}

func (f *fakeRegistry) Abort(id ids.TransactionId) error {
	f.aborted = append(f.aborted, id)
	return nil
}

func (f *fakeRegistry) Home(id ids.TransactionId) (ids.NodeId, bool) { return 1, true }
func (f *fakeRegistry) WaitingResource(id ids.TransactionId) (ids.ResourceId, bool) {
	return 0, false
}

func newTestEngine(t *testing.T, self, coordinator ids.NodeId, numNodes int) (*Engine, *fakeRegistry) {
	t.Helper()
	res := resource.New(self, 1000, nil, nil)
	reg := &fakeRegistry{}
	lt := locktable.New(self, res, reg)
	pipeline := abort.New(self, reg, nil, nil, nil, nil)
	noopBroadcast := func(env proto.Envelope, includeSelf bool, selfDeliver func(proto.Envelope) (proto.Ack, error)) map[ids.NodeId]error {
		if includeSelf {
			selfDeliver(env)
		}
		return nil
	}
	e := New(self, coordinator, numNodes, time.Millisecond, lt, func() map[ids.TransactionId]struct{} {
		return nil
	}, noopBroadcast, nil, pipeline, nil, nil, nil)
	return e, reg
}

func TestIsCoordinator(t *testing.T) {
	e, _ := newTestEngine(t, 1, 1, 2)
	assert.True(t, e.IsCoordinator())

	e2, _ := newTestEngine(t, 2, 1, 2)
	assert.False(t, e2.IsCoordinator())
}

func TestHandleReport_RunsDetectionOnceEveryNodeReports(t *testing.T) {
	e, reg := newTestEngine(t, 1, 1, 2)

	// A cycle spanning two simulated reports: 10 waits for 20, 20 waits
	// for 10.
	_, err := e.HandleReport(proto.Envelope{
		Sender:    1,
		Adjacency: map[ids.TransactionId][]ids.TransactionId{10: {20}},
		VertexHomes: map[ids.TransactionId]ids.NodeId{10: 1, 20: 2},
	})
	require.NoError(t, err)
	assert.Empty(t, reg.aborted, "detection must not run until every node has reported")

	_, err = e.HandleReport(proto.Envelope{
		Sender:    2,
		Adjacency: map[ids.TransactionId][]ids.TransactionId{20: {10}},
		VertexHomes: map[ids.TransactionId]ids.NodeId{10: 1, 20: 2},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.aborted, "the 10<->20 cycle must have been resolved")
}

func TestHandleReport_AcyclicReportAbortsNothing(t *testing.T) {
	e, reg := newTestEngine(t, 1, 1, 1)

	_, err := e.HandleReport(proto.Envelope{
		Sender:    1,
		Adjacency: map[ids.TransactionId][]ids.TransactionId{10: {20}},
		VertexHomes: map[ids.TransactionId]ids.NodeId{10: 1, 20: 1},
	})
	require.NoError(t, err)
	assert.Empty(t, reg.aborted, "single edge 10->20 has no cycle")
}

func TestHandleRequest_RepliesWithLocalWFG(t *testing.T) {
	e, _ := newTestEngine(t, 3, 1, 3)
	ack, err := e.HandleRequest(proto.Envelope{Sender: 1})
	require.NoError(t, err)
	assert.True(t, ack.OK)
}

func TestSnapshot_EmptyBeforeAnyRound(t *testing.T) {
	e, _ := newTestEngine(t, 1, 1, 1)
	snap := e.Snapshot()
	assert.Empty(t, snap)
}

func TestSnapshot_ReflectsLastCompletedRound(t *testing.T) {
	e, _ := newTestEngine(t, 1, 1, 1)
	_, err := e.HandleReport(proto.Envelope{
		Sender:      1,
		Adjacency:   map[ids.TransactionId][]ids.TransactionId{10: {20}},
		VertexHomes: map[ids.TransactionId]ids.NodeId{10: 1, 20: 1},
	})
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, []ids.TransactionId{20}, snap[10])
}
