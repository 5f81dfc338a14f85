package resource

import (
	"sync"
	"testing"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(1, 1000, nil, nil)
}

func TestAcquireLock_GrantedWhenEmpty(t *testing.T) {
	m := newTestManager(t)
	result, err := m.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	assert.Equal(t, Granted, result)
}

func TestAcquireLock_SharedSharedCompatible(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AcquireLock(1, 10, ids.Shared)
	require.NoError(t, err)
	result, err := m.AcquireLock(2, 10, ids.Shared)
	require.NoError(t, err)
	assert.Equal(t, Granted, result)
}

func TestAcquireLock_ExclusiveQueuesBehindHolder(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	result, err := m.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)
	assert.Equal(t, Queued, result)

	head, ok := m.QueueHead(10)
	require.True(t, ok)
	assert.Equal(t, ids.TransactionId(2), head)
}

func TestAcquireLock_NoBarging(t *testing.T) {
	// A compatible Shared request arriving behind a non-empty queue
	// must still queue, even though it would be compatible with every
	// current holder.
	m := newTestManager(t)
	_, err := m.AcquireLock(1, 10, ids.Shared)
	require.NoError(t, err)
	_, err = m.AcquireLock(2, 10, ids.Exclusive) // queues behind 1
	require.NoError(t, err)

	result, err := m.AcquireLock(3, 10, ids.Shared)
	require.NoError(t, err)
	assert.Equal(t, Queued, result, "new arrival must not barge past a non-empty queue")
}

func TestAcquireLock_NotOwned(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AcquireLock(1, 2000, ids.Exclusive) // owned by node 2 under resourcesPerNode=1000
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestReleaseLock_RetriesHeadWithItsOwnMode(t *testing.T) {
	m := newTestManager(t)
	var got []struct {
		txn  ids.TransactionId
		res  ids.ResourceId
		mode ids.LockMode
	}
	var mu sync.Mutex
	m.SetRetryFunc(func(t ids.TransactionId, r ids.ResourceId, mode ids.LockMode) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, struct {
			txn  ids.TransactionId
			res  ids.ResourceId
			mode ids.LockMode
		}{t, r, mode})
	})

	_, err := m.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	_, err = m.AcquireLock(2, 10, ids.Shared)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseLock(1, 10))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ids.TransactionId(2), got[0].txn)
	assert.Equal(t, ids.Shared, got[0].mode, "retry must carry the mode the queue head originally requested")
}

func TestReleaseLock_StaleReleaseTolerated(t *testing.T) {
	m := newTestManager(t)
	err := m.ReleaseLock(99, 10) // never held
	assert.NoError(t, err)
}

func TestRemoveFromWaitQueue(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	_, err = m.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)

	m.RemoveFromWaitQueue(2, 10)
	_, ok := m.QueueHead(10)
	assert.False(t, ok)
}

func TestReleaseAllLocks(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	_, err = m.AcquireLock(1, 11, ids.Shared)
	require.NoError(t, err)

	m.ReleaseAllLocks(1)

	holders := m.HoldersOf(10)
	assert.Empty(t, holders)
	holders = m.HoldersOf(11)
	assert.Empty(t, holders)
}

func TestAcquireLock_QueueHeadRetryPopsOnGrant(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AcquireLock(1, 10, ids.Exclusive)
	require.NoError(t, err)
	_, err = m.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseLock(1, 10))

	result, err := m.AcquireLock(2, 10, ids.Exclusive)
	require.NoError(t, err)
	assert.Equal(t, Granted, result)
	_, ok := m.QueueHead(10)
	assert.False(t, ok, "queue head must be popped once its retry grants")
}
