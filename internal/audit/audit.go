// Package audit persists a per-node record of completed transactions
// and applied deadlock resolutions. It is a queryable trail for the
// client surface (§6), not a durability mechanism for in-flight lock
// state — durability of committed data stays a non-goal.
package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/hawkdlm/hawkdlm/internal/ids"
)

var (
	bucketCompleted = []byte("CompletedTransactions")
	bucketDeadlocks = []byte("DeadlockResolutions")
)

// CompletedRecord is one finished transaction, committed or aborted.
type CompletedRecord struct {
	Txn      ids.TransactionId
	Home     ids.NodeId
	Status   ids.Status
	Start    time.Time
	Finished time.Time
}

// DeadlockRecord is one applied resolution: a cycle and the victim
// chosen to break it.
type DeadlockRecord struct {
	Cycle     []ids.TransactionId
	Victim    ids.TransactionId
	DetectedAt time.Time
}

// Log is a bolt-backed append log. One Log per node, opened against a
// node-local file the way the teacher opens one boltdb file per
// server process.
type Log struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bolt database at path and
// ensures both buckets exist.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCompleted); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketDeadlocks); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init buckets: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying bolt database.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordCompleted appends a finished transaction's record, keyed by a
// monotonic sequence so history is replayed in completion order.
func (l *Log) RecordCompleted(r CompletedRecord) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompleted)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		buf, err := encode(r)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), buf)
	})
}

// RecordDeadlock appends an applied resolution.
func (l *Log) RecordDeadlock(r DeadlockRecord) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadlocks)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		buf, err := encode(r)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), buf)
	})
}

// CompletedSince returns every completed-transaction record appended
// after the sequence number after, in append order. after=0 returns
// the full history.
func (l *Log) CompletedSince(after uint64) ([]CompletedRecord, error) {
	var out []CompletedRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompleted)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) <= after {
				continue
			}
			var r CompletedRecord
			if err := decode(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Deadlocks returns every applied resolution recorded so far, in
// append order — what CLIENT_PRINT_DEADLOCK_REQUEST reports against.
func (l *Log) Deadlocks() ([]DeadlockRecord, error) {
	var out []DeadlockRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadlocks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r DeadlockRecord
			if err := decode(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("audit: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("audit: decode: %w", err)
	}
	return nil
}
