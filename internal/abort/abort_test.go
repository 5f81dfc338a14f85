package abort

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hawkdlm/hawkdlm/internal/audit"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	aborted []ids.TransactionId
	err     error
}

func (f *fakeRegistry) Abort(id ids.TransactionId) error {
	if f.err != nil {
		return f.err
	}
	f.aborted = append(f.aborted, id)
	return nil
}

func TestApplyVictim_LocalHome(t *testing.T) {
	reg := &fakeRegistry{}
	p := New(1, reg, nil, nil, nil, nil)

	err := p.ApplyVictim(5, 1, "test")
	require.NoError(t, err)
	assert.Equal(t, []ids.TransactionId{5}, reg.aborted)
}

func TestApplyVictim_ZeroHomeTreatedAsLocal(t *testing.T) {
	reg := &fakeRegistry{}
	p := New(1, reg, nil, nil, nil, nil)

	err := p.ApplyVictim(5, 0, "test")
	require.NoError(t, err)
	assert.Equal(t, []ids.TransactionId{5}, reg.aborted)
}

func TestApplyVictim_RemoteHomeDispatches(t *testing.T) {
	reg := &fakeRegistry{}
	var sentTo ids.NodeId
	var sentVictims []ids.TransactionId
	send := func(env proto.Envelope) (proto.Ack, error) {
		sentTo = env.Receiver
		sentVictims = env.AbortTxns
		return proto.Ack{OK: true}, nil
	}
	p := New(1, reg, send, nil, nil, nil)

	err := p.ApplyVictim(5, 2, "test")
	require.NoError(t, err)
	assert.Empty(t, reg.aborted, "a remote victim must not be aborted locally")
	assert.Equal(t, ids.NodeId(2), sentTo)
	assert.Equal(t, []ids.TransactionId{5}, sentVictims)
}

func TestApplyVictim_RemoteSendFailureTolerated(t *testing.T) {
	reg := &fakeRegistry{}
	send := func(env proto.Envelope) (proto.Ack, error) {
		return proto.Ack{}, errors.New("unreachable")
	}
	p := New(1, reg, send, nil, nil, nil)

	err := p.ApplyVictim(5, 2, "test")
	assert.NoError(t, err, "a transient send failure is tolerated, not fatal")
}

func TestApplyVictim_NoSenderConfigured(t *testing.T) {
	reg := &fakeRegistry{}
	p := New(1, reg, nil, nil, nil, nil)

	err := p.ApplyVictim(5, 2, "test")
	assert.Error(t, err)
}

func TestHandleAbortSignal_AbortsEveryListedVictim(t *testing.T) {
	reg := &fakeRegistry{}
	p := New(1, reg, nil, nil, nil, nil)

	ack, err := p.HandleAbortSignal(proto.Envelope{AbortTxns: []ids.TransactionId{1, 2, 3}})
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.ElementsMatch(t, []ids.TransactionId{1, 2, 3}, reg.aborted)
}

func TestHandleAbortSignal_UnknownTxnTolerated(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("unknown")}
	p := New(1, reg, nil, nil, nil, nil)

	ack, err := p.HandleAbortSignal(proto.Envelope{AbortTxns: []ids.TransactionId{99}})
	require.NoError(t, err)
	assert.True(t, ack.OK)
}

func TestDeadlockReportToClient_StampsFreshCorrelationIDEachCall(t *testing.T) {
	cycles := [][]ids.TransactionId{{1, 2}}

	first := DeadlockReportToClient(1, cycles, 1)
	second := DeadlockReportToClient(1, cycles, 1)

	assert.Equal(t, proto.DeadlockReportToClient, first.Type)
	assert.NotEqual(t, uuid.Nil, first.CorrelationID)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID,
		"each report gets its own id so a retry of one report is not confused with another")
}

func TestRecordResolution_NoopWithoutAuditLog(t *testing.T) {
	reg := &fakeRegistry{}
	p := New(1, reg, nil, nil, nil, nil)
	// Must not panic when no audit log is configured.
	p.RecordResolution(audit.DeadlockRecord{Cycle: []ids.TransactionId{1, 2}, Victim: 1})
}
