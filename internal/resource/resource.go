// Package resource implements the Resource Manager (spec §4.A): it
// owns a node's local resource range, grants or queues lock requests
// against them, and fires a retry callback on release, wired by the
// node at startup.
package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"go.uber.org/zap"
)

// AcquireResult is the outcome of an acquire attempt.
type AcquireResult int

const (
	Granted AcquireResult = iota
	Queued
)

func (r AcquireResult) String() string {
	if r == Granted {
		return "Granted"
	}
	return "Queued"
}

// ErrNotOwned is returned when a caller asks this node's manager to
// acquire or release a resource it does not own; the caller is
// expected to route the request to the owning node instead (§7 class 3:
// an ownership violation, the sender's bug not the recipient's).
var ErrNotOwned = errors.New("resource: not owned by this node")

// RetryFunc is invoked with (txn, resource, mode) when a release makes
// the head of that resource's wait queue eligible for acquisition. mode
// is the mode the head originally requested, carried in the queue
// entry itself so the caller need not be the transaction's home node
// to retry it — a prerequisite for unblocking a queue head whose
// transaction is owned by a different node.
type RetryFunc func(t ids.TransactionId, r ids.ResourceId, mode ids.LockMode)

// queueEntry is one FIFO wait-queue slot: the waiting transaction and
// the mode it originally requested.
type queueEntry struct {
	txn  ids.TransactionId
	mode ids.LockMode
}

// state is the per-resource holders map and FIFO wait queue, each
// guarded by its own mutex. Holders is locked before Queue, matching
// the ordering convention in spec §4.A so nested acquisition inside the
// lock manager can never deadlock against itself.
type state struct {
	holdersMu sync.Mutex
	holders   map[ids.TransactionId]ids.LockMode

	queueMu sync.Mutex
	queue   []queueEntry
}

func newState() *state {
	return &state{holders: make(map[ids.TransactionId]ids.LockMode)}
}

// Manager owns every resource whose owner(r) equals this node's id.
type Manager struct {
	node             ids.NodeId
	resourcesPerNode int

	mu        sync.Mutex
	resources map[ids.ResourceId]*state

	retry RetryFunc

	log     *zap.Logger
	metrics *metrics.Registry
}

// New constructs a Manager for node. retry is nil until
// SetRetryFunc is called; callers must wire it before the first
// release, as node startup does.
func New(node ids.NodeId, resourcesPerNode int, log *zap.Logger, m *metrics.Registry) *Manager {
	return &Manager{
		node:             node,
		resourcesPerNode: resourcesPerNode,
		resources:        make(map[ids.ResourceId]*state),
		log:              log,
		metrics:          m,
	}
}

// SetRetryFunc wires the callback invoked when a release frees up the
// head of a wait queue.
func (m *Manager) SetRetryFunc(f RetryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry = f
}

// Owns reports whether r is owned by this node under the static
// partition owner(r) = ((r-1)/resourcesPerNode)+1.
func (m *Manager) Owns(r ids.ResourceId) bool {
	return ids.OwnerNode(r, m.resourcesPerNode) == m.node
}

func (m *Manager) stateFor(r ids.ResourceId) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.resources[r]
	if !ok {
		s = newState()
		m.resources[r] = s
	}
	return s
}

// AcquireLock attempts to grant t a lock in mode on r. It rejects
// non-local resources so the caller routes them remotely instead.
//
// Grant iff (holders empty OR every holder is compatible with mode)
// AND (t is already the head of r's wait queue OR the wait queue is
// empty) — no barging: a brand new arrival behind a non-empty queue
// always queues, even if it would be compatible with every current
// holder. A retry re-attempt by the queue's own head is the one case
// allowed to jump past the "queue non-empty" rule, since it IS the
// queue; on success it is popped.
func (m *Manager) AcquireLock(t ids.TransactionId, r ids.ResourceId, mode ids.LockMode) (AcquireResult, error) {
	if !m.Owns(r) {
		return Queued, fmt.Errorf("%w: resource %d, node %d", ErrNotOwned, r, m.node)
	}
	s := m.stateFor(r)

	s.holdersMu.Lock()
	defer s.holdersMu.Unlock()
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	isHead := len(s.queue) > 0 && s.queue[0].txn == t

	compatible := true
	for held := range s.holders {
		if !s.holders[held].Compatible(mode) {
			compatible = false
			break
		}
	}

	if compatible && (isHead || len(s.queue) == 0) {
		s.holders[t] = mode
		if isHead {
			s.queue = s.queue[1:]
		}
		m.observeGrant(mode)
		return Granted, nil
	}

	if !isHead {
		s.queue = append(s.queue, queueEntry{txn: t, mode: mode})
	}
	m.observeQueue(mode)
	return Queued, nil
}

func (m *Manager) observeGrant(mode ids.LockMode) {
	if m.metrics != nil {
		m.metrics.LocksGranted.WithLabelValues(mode.String()).Inc()
	}
}

func (m *Manager) observeQueue(mode ids.LockMode) {
	if m.metrics != nil {
		m.metrics.LocksQueued.WithLabelValues(mode.String()).Inc()
	}
}

// ReleaseLock removes t from r's holders. If t does not currently hold
// r this logs and returns without error (§7 class 2: a stale release
// is tolerated). If the new head of r's wait queue becomes eligible,
// the retry callback fires for it.
func (m *Manager) ReleaseLock(t ids.TransactionId, r ids.ResourceId) error {
	if !m.Owns(r) {
		return fmt.Errorf("%w: resource %d, node %d", ErrNotOwned, r, m.node)
	}
	s := m.stateFor(r)

	s.holdersMu.Lock()
	mode, held := s.holders[t]
	if !held {
		s.holdersMu.Unlock()
		if m.log != nil {
			m.log.Info("release of lock not held", zap.Int("txn", int(t)), zap.Int("resource", int(r)))
		}
		return nil
	}
	delete(s.holders, t)
	if m.metrics != nil {
		m.metrics.LocksReleased.WithLabelValues(mode.String()).Inc()
	}
	s.holdersMu.Unlock()

	m.notifyHead(r, s)
	return nil
}

// ReleaseAllLocks removes t from every resource's holders map it
// appears in, local to this node.
func (m *Manager) ReleaseAllLocks(t ids.TransactionId) {
	m.mu.Lock()
	resourceIDs := make([]ids.ResourceId, 0, len(m.resources))
	for r := range m.resources {
		resourceIDs = append(resourceIDs, r)
	}
	m.mu.Unlock()

	for _, r := range resourceIDs {
		s := m.stateFor(r)
		s.holdersMu.Lock()
		mode, held := s.holders[t]
		if held {
			delete(s.holders, t)
			if m.metrics != nil {
				m.metrics.LocksReleased.WithLabelValues(mode.String()).Inc()
			}
		}
		s.holdersMu.Unlock()
		if held {
			m.notifyHead(r, s)
		}
	}
}

// notifyHead fires the retry callback for the current head of r's
// wait queue, if any, passing the mode stored in the head's queue
// entry. It does not decide eligibility itself; the retry callback
// re-attempts AcquireLock with that mode, and that call is what
// actually grants (and pops the queue) or leaves the head queued.
// Must be called with s.holdersMu
// NOT held, since a synchronous retry re-enters AcquireLock.
func (m *Manager) notifyHead(r ids.ResourceId, s *state) {
	s.queueMu.Lock()
	empty := len(s.queue) == 0
	var head queueEntry
	if !empty {
		head = s.queue[0]
	}
	s.queueMu.Unlock()
	if empty {
		return
	}

	m.mu.Lock()
	retry := m.retry
	m.mu.Unlock()
	if retry != nil {
		retry(head.txn, r, head.mode)
	}
}

// RemoveFromWaitQueue removes t from r's wait queue, used when
// aborting a transaction that is blocked rather than holding.
func (m *Manager) RemoveFromWaitQueue(t ids.TransactionId, r ids.ResourceId) {
	s := m.stateFor(r)
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	for i, waiter := range s.queue {
		if waiter.txn == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// HoldersOf returns a snapshot of the current holders of r.
func (m *Manager) HoldersOf(r ids.ResourceId) map[ids.TransactionId]ids.LockMode {
	s := m.stateFor(r)
	s.holdersMu.Lock()
	defer s.holdersMu.Unlock()
	out := make(map[ids.TransactionId]ids.LockMode, len(s.holders))
	for t, mode := range s.holders {
		out[t] = mode
	}
	return out
}

// QueueHead returns the transaction at the head of r's wait queue, if
// any.
func (m *Manager) QueueHead(r ids.ResourceId) (ids.TransactionId, bool) {
	s := m.stateFor(r)
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].txn, true
}

// LocalResources returns every resource id this manager currently
// tracks state for — both resources with holders and resources with a
// non-empty wait queue.
func (m *Manager) LocalResources() []ids.ResourceId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ids.ResourceId, 0, len(m.resources))
	for r := range m.resources {
		out = append(out, r)
	}
	return out
}
