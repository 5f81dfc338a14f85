// Package centralized implements the Centralized Engine (spec §4.F):
// on the coordinator, periodically collect pruned local WFGs from
// every node, merge them, and resolve any cycle found.
package centralized

import (
	"context"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/abort"
	"github.com/hawkdlm/hawkdlm/internal/cycle"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/locktable"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"go.uber.org/zap"
)

// broadcaster fans an envelope out to every node, optionally including
// self via selfDeliver, mirroring transport.Dialer.Broadcast.
type broadcaster func(env proto.Envelope, includeSelf bool, selfDeliver func(proto.Envelope) (proto.Ack, error)) map[ids.NodeId]error

// sender delivers one envelope to one peer.
type sender func(proto.Envelope) (proto.Ack, error)

// activeSetFunc returns the set of transactions this node currently
// considers active, the §4.C pruning input.
type activeSetFunc func() map[ids.TransactionId]struct{}

// ReportCallback is invoked once per completed detection round on the
// coordinator, after any victims have already been applied — the hook
// node wiring uses to actually deliver DEADLOCK_REPORT_TO_CLIENT.
type ReportCallback func(cycles [][]ids.TransactionId, deadlockCount int)

// Engine runs on every node (to answer polls) but only drives its own
// detection ticker when self == coordinator.
type Engine struct {
	self        ids.NodeId
	coordinator ids.NodeId
	numNodes    int
	period      time.Duration

	lt        *locktable.Builder
	activeSet activeSetFunc
	broadcast broadcaster
	send      sender
	pipeline  *abort.Pipeline
	onReport  ReportCallback

	log     *zap.Logger
	metrics *metrics.Registry

	roundMu    chan struct{}
	aggregated map[ids.TransactionId][]ids.TransactionId
	homes      map[ids.TransactionId]ids.NodeId
	received   map[ids.NodeId]bool
	expected   int

	lastGraph map[ids.TransactionId][]ids.TransactionId
}

// New constructs a Centralized Engine instance for self.
func New(self, coordinator ids.NodeId, numNodes int, period time.Duration,
	lt *locktable.Builder, activeSet activeSetFunc, broadcast broadcaster, send sender,
	pipeline *abort.Pipeline, onReport ReportCallback, log *zap.Logger, m *metrics.Registry) *Engine {
	return &Engine{
		self: self, coordinator: coordinator, numNodes: numNodes, period: period,
		lt: lt, activeSet: activeSet, broadcast: broadcast, send: send,
		pipeline: pipeline, onReport: onReport, log: log, metrics: m,
		roundMu:  make(chan struct{}, 1),
		received: make(map[ids.NodeId]bool),
	}
}

func (e *Engine) lock()   { e.roundMu <- struct{}{} }
func (e *Engine) unlock() { <-e.roundMu }

// IsCoordinator reports whether this node drives detection rounds.
func (e *Engine) IsCoordinator() bool { return e.self == e.coordinator }

// Run ticks every period and, on the coordinator only, starts a new
// round. Returns when ctx is cancelled (the shutdown flag of §5).
func (e *Engine) Run(ctx context.Context) error {
	if !e.IsCoordinator() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.startRound()
		}
	}
}

func (e *Engine) startRound() {
	e.lock()
	e.aggregated = make(map[ids.TransactionId][]ids.TransactionId)
	e.homes = make(map[ids.TransactionId]ids.NodeId)
	e.received = make(map[ids.NodeId]bool)
	e.expected = e.numNodes
	e.unlock()

	poll := proto.Envelope{Type: proto.CentralWFGRequest, Sender: e.self, Receiver: 0}
	e.broadcast(poll, true, e.HandleRequest)
}

// HandleRequest answers a CENTRAL_WFG_REQUEST poll with this node's
// current pruned local WFG.
func (e *Engine) HandleRequest(env proto.Envelope) (proto.Ack, error) {
	activeSet := e.activeSet()
	wfg := e.lt.BuildLocalWFG(activeSet)
	homes := e.lt.LocalHomes(wfg)

	report := proto.Envelope{
		Type: proto.WFGReport, Sender: e.self, Receiver: env.Sender,
		Adjacency: wfg, VertexHomes: homes,
	}
	e.deliverReport(env.Sender, report)
	return proto.Ack{OK: true}, nil
}

func (e *Engine) deliverReport(to ids.NodeId, report proto.Envelope) {
	if to == e.self {
		if _, err := e.HandleReport(report); err != nil && e.log != nil {
			e.log.Warn("self WFG report merge failed", zap.Error(err))
		}
		return
	}
	if e.send == nil {
		return
	}
	if _, err := e.send(report); err != nil && e.log != nil {
		e.log.Warn("failed to deliver WFG report to coordinator", zap.Int("to", int(to)), zap.Error(err))
	}
}

// HandleReport merges an incoming WFG_REPORT into the aggregated
// graph and, once reports from every node have arrived, runs
// detection. A report arriving after the round already closed (a
// duplicate or a straggler) is merged into whatever aggregate is
// current; the next startRound replaces that aggregate, so a
// straggler's edges are not carried into the next polled round.
func (e *Engine) HandleReport(env proto.Envelope) (proto.Ack, error) {
	e.lock()
	if e.aggregated == nil {
		e.aggregated = make(map[ids.TransactionId][]ids.TransactionId)
		e.homes = make(map[ids.TransactionId]ids.NodeId)
		e.received = make(map[ids.NodeId]bool)
		e.expected = e.numNodes
	}
	for w, hs := range env.Adjacency {
		e.aggregated[w] = append(e.aggregated[w], hs...)
	}
	for id, home := range env.VertexHomes {
		e.homes[id] = home
	}
	if !e.received[env.Sender] {
		e.received[env.Sender] = true
	}
	ready := len(e.received) >= e.expected
	e.unlock()

	if ready {
		e.runDetection()
	}
	return proto.Ack{OK: true}, nil
}

// Snapshot returns the most recently completed round's aggregated WFG,
// the data CLIENT_COLLECT_WFG_REQUEST reports against in centralized
// mode.
func (e *Engine) Snapshot() map[ids.TransactionId][]ids.TransactionId {
	e.lock()
	defer e.unlock()
	out := make(map[ids.TransactionId][]ids.TransactionId, len(e.lastGraph))
	for w, hs := range e.lastGraph {
		out[w] = append([]ids.TransactionId(nil), hs...)
	}
	return out
}

func (e *Engine) runDetection() {
	e.lock()
	graph := e.aggregated
	homes := e.homes
	e.aggregated = nil
	e.homes = nil
	e.received = make(map[ids.NodeId]bool)
	if graph != nil {
		e.lastGraph = graph
	}
	e.unlock()

	if graph == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.DetectionRounds.WithLabelValues("centralized").Inc()
	}

	result := cycle.FindCycles(cycle.Graph(graph))
	if len(result.Cycles) == 0 {
		return
	}
	if e.metrics != nil {
		e.metrics.CyclesFound.WithLabelValues("centralized").Add(float64(len(result.Cycles)))
	}

	for _, cyc := range result.Cycles {
		victim := cycle.SelectVictim(cyc, result.Frequency)
		home, ok := homes[victim]
		if !ok {
			if e.log != nil {
				e.log.Warn("cannot resolve home for victim, skipping abort", zap.Int("victim", int(victim)))
			}
			continue
		}
		if err := e.pipeline.ApplyVictim(victim, home, "centralized"); err != nil && e.log != nil {
			e.log.Warn("failed to apply victim abort", zap.Int("victim", int(victim)), zap.Error(err))
		}
	}

	if e.onReport != nil {
		e.onReport(result.Cycles, len(result.Cycles))
	}
}
