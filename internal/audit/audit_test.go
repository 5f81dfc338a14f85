package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordCompleted_RoundTrips(t *testing.T) {
	l := openTestLog(t)
	now := time.Now()

	err := l.RecordCompleted(CompletedRecord{
		Txn: 5, Home: 1, Status: ids.Committed, Start: now, Finished: now,
	})
	require.NoError(t, err)

	recs, err := l.CompletedSince(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids.TransactionId(5), recs[0].Txn)
	assert.Equal(t, ids.Committed, recs[0].Status)
}

func TestCompletedSince_OnlyReturnsNewerRecords(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.RecordCompleted(CompletedRecord{Txn: 1}))
	require.NoError(t, l.RecordCompleted(CompletedRecord{Txn: 2}))
	require.NoError(t, l.RecordCompleted(CompletedRecord{Txn: 3}))

	all, err := l.CompletedSince(0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	later, err := l.CompletedSince(1)
	require.NoError(t, err)
	require.Len(t, later, 2)
	assert.Equal(t, ids.TransactionId(2), later[0].Txn)
	assert.Equal(t, ids.TransactionId(3), later[1].Txn)
}

func TestRecordDeadlock_AppendsInOrder(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.RecordDeadlock(DeadlockRecord{Cycle: []ids.TransactionId{1, 2}, Victim: 1}))
	require.NoError(t, l.RecordDeadlock(DeadlockRecord{Cycle: []ids.TransactionId{3, 4}, Victim: 3}))

	recs, err := l.Deadlocks()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids.TransactionId(1), recs[0].Victim)
	assert.Equal(t, ids.TransactionId(3), recs[1].Victim)
}

func TestDeadlocks_EmptyWhenNoneRecorded(t *testing.T) {
	l := openTestLog(t)
	recs, err := l.Deadlocks()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestOpen_ReopensExistingFileWithData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l1.RecordCompleted(CompletedRecord{Txn: 42}))
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	recs, err := l2.CompletedSince(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids.TransactionId(42), recs[0].Txn)
}
