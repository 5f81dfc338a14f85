// Package txn implements the Transaction Registry (spec §4.B): the
// per-node mapping from TransactionId to Transaction, begin/commit/abort
// lifecycle, and the retry callback wired into the Resource Manager.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"github.com/hawkdlm/hawkdlm/internal/resource"
	"go.uber.org/zap"
)

// ErrUnknownTxn is returned by operations addressing a transaction id
// the registry no longer (or never did) track.
var ErrUnknownTxn = errors.New("txn: unknown transaction")

// Operation is one pending (resource, mode) acquisition in a
// transaction's script. The core never inspects what produced this
// sequence — workload generation is an external collaborator (§1).
type Operation struct {
	Resource ids.ResourceId
	Mode     ids.LockMode
}

// Transaction is the registry's record for one in-flight transaction.
type Transaction struct {
	ID     ids.TransactionId
	Home   ids.NodeId
	Status ids.Status
	Start  time.Time

	// Acquired maps resources this transaction currently holds a lock
	// on (local or remote) to the mode it holds them in.
	Acquired map[ids.ResourceId]ids.LockMode

	// WaitingFor is nonzero iff Status == Blocked.
	WaitingFor ids.ResourceId

	Ops      []Operation
	Progress int

	// remote is signaled when a LOCK_RESPONSE arrives for a pending
	// remote acquire, waking the transaction driver goroutine blocked
	// on AwaitRemote.
	remote chan bool
}

func (t *Transaction) isActive() bool {
	return t.Status == ids.Running || t.Status == ids.Blocked
}

// Registry tracks every transaction whose home node is this node.
type Registry struct {
	node ids.NodeId

	mu   sync.Mutex
	txns map[ids.TransactionId]*Transaction

	nextID int

	resources *resource.Manager

	log     *zap.Logger
	metrics *metrics.Registry

	onLatency func(d time.Duration)

	// onComplete fires once per finished transaction with its lifecycle
	// bounds, wired by the node to the audit log's CompletedRecord
	// trail. txn deliberately does not import the audit package for
	// this: it hands back its own ids/time primitives and lets the
	// caller assemble whatever record shape it wants.
	onComplete func(id ids.TransactionId, home ids.NodeId, status ids.Status, start, finished time.Time)
}

// New constructs a Registry bound to resources, the local Resource
// Manager. It does not wire itself as resources' retry callback: a
// resource's wait queue can hold transactions whose home is a
// different node, so the node wiring composes HandleRetry with a
// remote fallback before calling resources.SetRetryFunc.
func New(node ids.NodeId, resources *resource.Manager, log *zap.Logger, m *metrics.Registry) *Registry {
	return &Registry{
		node:      node,
		txns:      make(map[ids.TransactionId]*Transaction),
		resources: resources,
		log:       log,
		metrics:   m,
	}
}

// SetLatencyObserver registers a callback invoked with the wall-clock
// duration of every transaction this registry commits or aborts.
func (r *Registry) SetLatencyObserver(f func(d time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLatency = f
}

// SetCompletionObserver registers a callback invoked once per finished
// transaction (committed or aborted), after its locks have been
// released, with the lifecycle bounds an audit trail needs.
func (r *Registry) SetCompletionObserver(f func(id ids.TransactionId, home ids.NodeId, status ids.Status, start, finished time.Time)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = f
}

// Begin creates a new transaction with the given operation script and
// adds it to the registry, Running.
func (r *Registry) Begin(ops []Operation) *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t := &Transaction{
		ID:       ids.TransactionId(r.nextID),
		Home:     r.node,
		Status:   ids.Running,
		Start:    time.Now(),
		Acquired: make(map[ids.ResourceId]ids.LockMode),
		Ops:      ops,
		remote:   make(chan bool, 1),
	}
	r.txns[t.ID] = t
	r.observeActive()
	return t
}

// Get returns the current snapshot for id, if tracked.
func (r *Registry) Get(id ids.TransactionId) (Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return Transaction{}, false
	}
	return r.snapshot(t), true
}

func (r *Registry) snapshot(t *Transaction) Transaction {
	acquired := make(map[ids.ResourceId]ids.LockMode, len(t.Acquired))
	for res, mode := range t.Acquired {
		acquired[res] = mode
	}
	return Transaction{
		ID: t.ID, Home: t.Home, Status: t.Status, Start: t.Start,
		Acquired: acquired, WaitingFor: t.WaitingFor,
		Ops: t.Ops, Progress: t.Progress,
	}
}

// Home reports the home node of id, for callers that only track ids
// in a cross-node context (e.g. the path-pushing probe path).
func (r *Registry) Home(id ids.TransactionId) (ids.NodeId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return 0, false
	}
	return t.Home, true
}

// WaitingResource returns the resource id stored in-progress of the
// abort check, i.e. whether id is currently Blocked and on what.
func (r *Registry) WaitingResource(id ids.TransactionId) (ids.ResourceId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok || t.Status != ids.Blocked {
		return 0, false
	}
	return t.WaitingFor, true
}

// IsWaitingOn reports whether id is Blocked on exactly res.
func (r *Registry) IsWaitingOn(id ids.TransactionId, res ids.ResourceId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	return ok && t.Status == ids.Blocked && t.WaitingFor == res
}

// ActiveSet returns the set of transaction ids currently Running or
// Blocked, the pruning set §4.C requires before building a WFG.
func (r *Registry) ActiveSet() map[ids.TransactionId]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ids.TransactionId]struct{}, len(r.txns))
	for id, t := range r.txns {
		if t.isActive() {
			out[id] = struct{}{}
		}
	}
	return out
}

// RunningIDs returns every transaction this node currently tracks as
// Running, the transaction driver's per-tick work list.
func (r *Registry) RunningIDs() []ids.TransactionId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ids.TransactionId, 0)
	for id, t := range r.txns {
		if t.Status == ids.Running {
			out = append(out, id)
		}
	}
	return out
}

// NextOp returns id's next pending operation, if it has one left in its
// script. ok is false once every operation has been attempted, the
// driver's cue to commit.
func (r *Registry) NextOp(id ids.TransactionId) (op Operation, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, found := r.txns[id]
	if !found || t.Progress >= len(t.Ops) {
		return Operation{}, false
	}
	return t.Ops[t.Progress], true
}

// AwaitRemote blocks until a LOCK_RESPONSE for id's current remote
// acquire attempt arrives (via SignalRemote) or ctx is cancelled,
// the transaction driver's suspension point for a remote acquire (§5).
func (r *Registry) AwaitRemote(ctx context.Context, id ids.TransactionId) (bool, error) {
	r.mu.Lock()
	t, ok := r.txns[id]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTxn, id)
	}
	select {
	case granted := <-t.remote:
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// SignalRemote wakes a driver goroutine blocked in AwaitRemote(id),
// delivering the LOCK_RESPONSE's granted flag. A signal for an id no
// longer tracked (finished, or never existed) is silently dropped.
func (r *Registry) SignalRemote(id ids.TransactionId, granted bool) {
	r.mu.Lock()
	t, ok := r.txns[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.remote <- granted:
	default:
	}
}

// BlockedIDs returns every transaction this node currently tracks as
// Blocked, the seed set the Path-Pushing Engine probes each period.
func (r *Registry) BlockedIDs() []ids.TransactionId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ids.TransactionId, 0)
	for id, t := range r.txns {
		if t.Status == ids.Blocked {
			out = append(out, id)
		}
	}
	return out
}

// MarkBlocked transitions t to Blocked, waiting on res. Called by the
// transaction driver after a local or remote acquire attempt queues.
func (r *Registry) MarkBlocked(id ids.TransactionId, res ids.ResourceId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTxn, id)
	}
	t.Status = ids.Blocked
	t.WaitingFor = res
	return nil
}

// RecordAcquired transitions t back to Running after res is granted in
// mode, advancing its progress index. Used both on a local immediate
// grant and after a remote LOCK_RESPONSE arrives.
func (r *Registry) RecordAcquired(id ids.TransactionId, res ids.ResourceId, mode ids.LockMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTxn, id)
	}
	t.Acquired[res] = mode
	t.WaitingFor = 0
	t.Status = ids.Running
	t.Progress++
	return nil
}

// HandleRetry re-attempts a queue head's acquire using the mode it
// originally requested (handed back by the Resource Manager, since the
// queue itself now remembers it). Returns false if id is not tracked
// by this registry at all — i.e. its home is a different node — so the
// node wiring's combined retry function knows to fall back to a direct
// remote-aware retry instead.
func (r *Registry) HandleRetry(id ids.TransactionId, res ids.ResourceId, mode ids.LockMode) bool {
	r.mu.Lock()
	t, ok := r.txns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if t.Status != ids.Blocked || t.WaitingFor != res {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	result, err := r.resources.AcquireLock(id, res, mode)
	if err != nil {
		if r.log != nil {
			r.log.Warn("retry acquire failed", zap.Int("txn", int(id)), zap.Int("resource", int(res)), zap.Error(err))
		}
		return true
	}
	if result == resource.Granted {
		_ = r.RecordAcquired(id, res, mode)
	}
	// If still Queued the head stays where it was; it will be retried
	// again on the next release of res.
	return true
}

// Commit releases every lock id holds, marks it Committed, records
// latency and removes it from the registry. Idempotent: committing an
// already-removed id is a no-op.
func (r *Registry) Commit(id ids.TransactionId) error {
	return r.finish(id, ids.Committed)
}

// Abort releases every lock id holds (and removes it from any wait
// queue it might be sitting in), marks it Aborted, records latency and
// removes it from the registry. Idempotent per §8 property 10: a
// repeated abort of an already-removed transaction changes nothing.
func (r *Registry) Abort(id ids.TransactionId) error {
	r.mu.Lock()
	t, ok := r.txns[id]
	r.mu.Unlock()
	if ok && t.Status == ids.Blocked {
		r.resources.RemoveFromWaitQueue(id, t.WaitingFor)
	}
	return r.finish(id, ids.Aborted)
}

func (r *Registry) finish(id ids.TransactionId, final ids.Status) error {
	r.mu.Lock()
	t, ok := r.txns[id]
	if !ok {
		r.mu.Unlock()
		return nil // idempotent: already finished and removed
	}
	delete(r.txns, id)
	r.observeActive()
	cb := r.onLatency
	onComplete := r.onComplete
	r.mu.Unlock()

	r.resources.ReleaseAllLocks(id)

	start := t.Start
	t.Status = final
	t.Acquired = nil
	t.WaitingFor = 0
	finished := time.Now()

	if cb != nil {
		cb(finished.Sub(start))
	}
	if onComplete != nil {
		onComplete(id, t.Home, final, start, finished)
	}
	return nil
}

func (r *Registry) observeActive() {
	if r.metrics != nil {
		r.metrics.ActiveTxns.Set(float64(len(r.txns)))
	}
}
