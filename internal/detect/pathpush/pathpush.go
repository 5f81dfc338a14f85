// Package pathpush implements the Path-Pushing Engine (spec §4.G): on
// every node, probes seeded from blocked transactions are pushed along
// wait chains, hop by hop, until they either close a cycle or run out
// of progress to make.
package pathpush

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hawkdlm/hawkdlm/internal/abort"
	"github.com/hawkdlm/hawkdlm/internal/cycle"
	"github.com/hawkdlm/hawkdlm/internal/dedup"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"github.com/hawkdlm/hawkdlm/internal/resource"
	"go.uber.org/zap"
)

// dedupWindow bounds how long a probe's correlation id is remembered:
// several multiples of a detection period comfortably covers the
// dialer's bounded retry-with-backoff window (§7 class 1) without
// growing the seen-set forever.
const dedupWindow = 30 * time.Second

// registry is the slice of *txn.Registry this engine needs.
type registry interface {
	Home(id ids.TransactionId) (ids.NodeId, bool)
	WaitingResource(id ids.TransactionId) (ids.ResourceId, bool)
	BlockedIDs() []ids.TransactionId
}

// homeResolver resolves the home node of a transaction id this node
// may not itself own, the same best-effort lookup locktable.Builder
// offers centralized/HAWK reporting.
type homeResolver func(id ids.TransactionId) (ids.NodeId, bool)

type sender func(proto.Envelope) (proto.Ack, error)

// Engine runs on every node; there is no distinguished coordinator for
// probe forwarding itself, but the onReport callback only fires on the one
// node configured as coordinator, per §4.G's "a deadlock report from
// the coordinator only."
type Engine struct {
	self             ids.NodeId
	coordinator      ids.NodeId
	resourcesPerNode int
	period           time.Duration

	registry  registry
	resources *resource.Manager
	resolve   homeResolver
	send      sender
	pipeline  *abort.Pipeline
	onReport  func(cycle []ids.TransactionId)

	log     *zap.Logger
	metrics *metrics.Registry

	seen *dedup.Set
}

// New constructs a path-pushing Engine for node self. A hop whose
// target is self is short-circuited past send entirely (see forward).
func New(self, coordinator ids.NodeId, resourcesPerNode int, period time.Duration,
	reg registry, resources *resource.Manager, resolve homeResolver, send sender,
	pipeline *abort.Pipeline, onReport func([]ids.TransactionId), log *zap.Logger, m *metrics.Registry) *Engine {
	return &Engine{
		self: self, coordinator: coordinator, resourcesPerNode: resourcesPerNode, period: period,
		registry: reg, resources: resources, resolve: resolve, send: send,
		pipeline: pipeline, onReport: onReport, log: log, metrics: m,
		seen: dedup.New(dedupWindow),
	}
}

// Run seeds a probe for every blocked local transaction every period,
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.seedProbes()
		}
	}
}

func (e *Engine) seedProbes() {
	for _, t := range e.registry.BlockedIDs() {
		e.deliver(proto.Envelope{
			Type:          proto.PathPushingProbe,
			Path:          []ids.TransactionId{t},
			CorrelationID: uuid.New(),
			SentAt:        time.Now(),
		})
	}
}

func (e *Engine) deliver(env proto.Envelope) {
	if _, err := e.HandleProbe(env); err != nil && e.log != nil {
		e.log.Warn("path-pushing probe handling failed", zap.Error(err))
	}
}

// HandleProbe processes one hop of a probe. When Res == 0 the current
// path tail is resolved against this node's own blocked-transaction
// state (this node must be its home, by construction of routing); when
// Res != 0 the envelope is mid-resolution — forwarded here specifically
// to consult the resource owner's local holder state for a resource the
// tail's home node does not itself own.
func (e *Engine) HandleProbe(env proto.Envelope) (proto.Ack, error) {
	if e.seen.Seen(env.CorrelationID) {
		return proto.Ack{OK: true}, nil // redelivered by a dialer retry, already processed
	}

	path := env.Path
	if len(path) == 0 {
		return proto.Ack{OK: true}, nil
	}
	u := path[len(path)-1]

	var res ids.ResourceId
	if env.Res != 0 {
		res = env.Res
	} else {
		r, ok := e.registry.WaitingResource(u)
		if !ok {
			return proto.Ack{OK: true}, nil // not blocked (any more) — drop
		}
		res = r
		if owner := ids.OwnerNode(res, e.resourcesPerNode); owner != e.self {
			e.forward(owner, proto.Envelope{
				Type: proto.PathPushingProbe, Path: path, Res: res,
				CorrelationID: uuid.New(), SentAt: time.Now(),
			})
			return proto.Ack{OK: true}, nil
		}
	}

	holders := e.resources.HoldersOf(res)
	if len(holders) == 0 {
		return proto.Ack{OK: true}, nil // resource released since — drop
	}
	h, ok := lowestExcluding(holders, u)
	if !ok {
		return proto.Ack{OK: true}, nil
	}

	if contains(path, h) {
		e.closeCycle(append(append([]ids.TransactionId{}, path...), h))
		return proto.Ack{OK: true}, nil
	}

	home, ok := e.resolve(h)
	if !ok {
		return proto.Ack{OK: true}, nil // unresolvable home — drop, tolerated
	}
	newPath := append(append([]ids.TransactionId{}, path...), h)
	e.forward(home, proto.Envelope{
		Type: proto.PathPushingProbe, Path: newPath,
		CorrelationID: uuid.New(), SentAt: time.Now(),
	})
	return proto.Ack{OK: true}, nil
}

func (e *Engine) forward(to ids.NodeId, env proto.Envelope) {
	if to == e.self {
		e.deliver(env)
		return
	}
	env.Sender = e.self
	env.Receiver = to
	if e.send == nil {
		return
	}
	if _, err := e.send(env); err != nil && e.log != nil {
		e.log.Warn("failed to forward path-pushing probe", zap.Int("to", int(to)), zap.Error(err))
	}
}

func (e *Engine) closeCycle(cyc []ids.TransactionId) {
	if e.metrics != nil {
		e.metrics.CyclesFound.WithLabelValues("pathpush").Inc()
	}
	victim := cycle.SelectVictim(cyc, nil)
	home, ok := e.resolve(victim)
	if !ok {
		if home2, ok2 := e.registry.Home(victim); ok2 {
			home, ok = home2, true
		}
	}
	if ok {
		if err := e.pipeline.ApplyVictim(victim, home, "pathpush"); err != nil && e.log != nil {
			e.log.Warn("failed to apply path-pushing victim abort", zap.Error(err))
		}
	}
	if e.self == e.coordinator && e.onReport != nil {
		e.onReport(cyc)
	}
}

func lowestExcluding(holders map[ids.TransactionId]ids.LockMode, exclude ids.TransactionId) (ids.TransactionId, bool) {
	var best ids.TransactionId
	found := false
	for h := range holders {
		if h == exclude {
			continue
		}
		if !found || h < best {
			best, found = h, true
		}
	}
	return best, found
}

func contains(path []ids.TransactionId, t ids.TransactionId) bool {
	for _, v := range path {
		if v == t {
			return true
		}
	}
	return false
}
