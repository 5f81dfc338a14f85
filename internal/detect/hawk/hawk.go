// Package hawk implements the HAWK Engine (spec §4.H): PAG sampling
// and adaptive zone cutting on the coordinator, a zone-detection loop
// on every zone leader, and coordinator escalation over the union of
// zone reports.
package hawk

import (
	"context"
	"sync"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/abort"
	"github.com/hawkdlm/hawkdlm/internal/cycle"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/locktable"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"github.com/hawkdlm/hawkdlm/internal/pag"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"github.com/hawkdlm/hawkdlm/internal/zone"
	"go.uber.org/zap"
)

type broadcaster func(env proto.Envelope, includeSelf bool, selfDeliver func(proto.Envelope) (proto.Ack, error)) map[ids.NodeId]error
type sender func(proto.Envelope) (proto.Ack, error)
type activeSetFunc func() map[ids.TransactionId]struct{}

// ReportCallback delivers a completed escalation round's result to the
// client surface, coordinator only.
type ReportCallback func(cycles [][]ids.TransactionId, deadlockCount int)

// Engine runs on every node; which of its three loops actually does
// anything is gated by coordinator/leader role, evaluated live each
// tick since zone leadership changes under the engine's feet.
type Engine struct {
	self        ids.NodeId
	coordinator ids.NodeId
	allNodes    []ids.NodeId

	sampleEvery time.Duration
	checkEvery  time.Duration
	leaderEvery time.Duration
	sccThresh   int
	rThreshold  float64

	lt        *locktable.Builder
	activeSet activeSetFunc
	zoneMgr   *zone.Manager
	broadcast broadcaster
	send      sender
	pipeline  *abort.Pipeline
	onReport  ReportCallback

	log     *zap.Logger
	metrics *metrics.Registry

	mu sync.Mutex

	// PAG sampling state (coordinator only).
	pagEdges    []locktable.WFDEdge
	pagReceived map[ids.NodeId]bool
	pagExpected int

	// Adaptive re-cut state (coordinator only).
	cz, cr         int
	prevCZ, prevCR int
	candZones      [][]ids.NodeId
	candLeaders    []ids.NodeId
	expectedZones  int

	// Zone-leader collection state (whichever node is currently a leader).
	zoneAgg      map[ids.TransactionId][]ids.TransactionId
	zoneReceived map[ids.NodeId]bool
	zoneExpected int

	// Coordinator escalation state.
	escAgg      map[ids.TransactionId][]ids.TransactionId
	escReceived map[ids.NodeId]bool

	// lastGraph is the union graph from the most recently completed
	// escalation round, coordinator only.
	lastGraph map[ids.TransactionId][]ids.TransactionId
}

// New constructs a HAWK Engine for node self.
func New(self, coordinator ids.NodeId, numNodes int, sampleEvery, checkEvery, leaderEvery time.Duration,
	sccThresh int, rThreshold float64, lt *locktable.Builder, activeSet activeSetFunc, zoneMgr *zone.Manager,
	broadcast broadcaster, send sender, pipeline *abort.Pipeline, onReport ReportCallback,
	log *zap.Logger, m *metrics.Registry) *Engine {
	allNodes := make([]ids.NodeId, 0, numNodes)
	for n := 1; n <= numNodes; n++ {
		allNodes = append(allNodes, ids.NodeId(n))
	}
	return &Engine{
		self: self, coordinator: coordinator, allNodes: allNodes,
		sampleEvery: sampleEvery, checkEvery: checkEvery, leaderEvery: leaderEvery,
		sccThresh: sccThresh, rThreshold: rThreshold,
		lt: lt, activeSet: activeSet, zoneMgr: zoneMgr, broadcast: broadcast, send: send,
		pipeline: pipeline, onReport: onReport, log: log, metrics: m,
		expectedZones: numNodes,
	}
}

// IsCoordinator reports whether this node drives PAG sampling and
// escalation.
func (e *Engine) IsCoordinator() bool { return e.self == e.coordinator }

// RunPAGSampler drives the coordinator-only PAG sampling and adaptive
// re-cut loops. Every other node idles, only ever reacting to the
// handlers below.
func (e *Engine) RunPAGSampler(ctx context.Context) error {
	if !e.IsCoordinator() {
		<-ctx.Done()
		return nil
	}
	sampleTicker := time.NewTicker(e.sampleEvery)
	checkTicker := time.NewTicker(e.checkEvery)
	defer sampleTicker.Stop()
	defer checkTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sampleTicker.C:
			e.sampleRound()
		case <-checkTicker.C:
			e.checkRecut()
		}
	}
}

func (e *Engine) sampleRound() {
	e.mu.Lock()
	e.pagEdges = nil
	e.pagReceived = make(map[ids.NodeId]bool)
	e.pagExpected = len(e.allNodes)
	e.mu.Unlock()

	poll := proto.Envelope{Type: proto.PAGRequest, Sender: e.self}
	e.broadcast(poll, true, e.HandlePAGRequest)
}

// HandlePAGRequest answers a PAG_REQUEST with this node's sampled
// cross-node wait edges.
func (e *Engine) HandlePAGRequest(env proto.Envelope) (proto.Ack, error) {
	edges := e.lt.CollectCrossNodeEdges()
	wire := make([]proto.WFDEdgeWire, 0, len(edges))
	for _, ed := range edges {
		wire = append(wire, proto.WFDEdgeWire{W: ed.W, H: ed.H})
	}
	resp := proto.Envelope{Type: proto.PAGResponse, Sender: e.self, Receiver: env.Sender, WFDEdges: wire}
	e.deliverTo(env.Sender, resp, e.HandlePAGResponse)
	return proto.Ack{OK: true}, nil
}

// HandlePAGResponse merges one node's sampled edges into the current
// round; once every node has answered, the coordinator computes the
// next re-cut candidate.
func (e *Engine) HandlePAGResponse(env proto.Envelope) (proto.Ack, error) {
	e.mu.Lock()
	if e.pagReceived == nil {
		e.mu.Unlock()
		return proto.Ack{OK: true}, nil // no sampling round started yet
	}
	for _, w := range env.WFDEdges {
		e.pagEdges = append(e.pagEdges, locktable.WFDEdge{W: w.W, H: w.H})
	}
	if !e.pagReceived[env.Sender] {
		e.pagReceived[env.Sender] = true
	}
	ready := len(e.pagReceived) >= e.pagExpected
	var edges []locktable.WFDEdge
	if ready {
		edges = e.pagEdges
	}
	e.mu.Unlock()

	if ready {
		g := pag.Build(edges)
		zones, leaders := pag.CutZones(g, e.allNodes, e.sccThresh)
		e.mu.Lock()
		e.candZones, e.candLeaders = zones, leaders
		e.mu.Unlock()
	}
	return proto.Ack{OK: true}, nil
}

// checkRecut evaluates the adaptive re-cut condition over the last
// CHECK_INTERVAL and, if it fires, broadcasts the latest SCC-cut
// candidate as the new zone partition.
func (e *Engine) checkRecut() {
	e.mu.Lock()
	deltaZ := e.cz - e.prevCZ
	deltaR := e.cr - e.prevCR
	e.prevCZ, e.prevCR = e.cz, e.cr
	zones, leaders := e.candZones, e.candLeaders
	e.mu.Unlock()

	fire := (deltaZ > 0 && float64(deltaR)/float64(deltaZ) > e.rThreshold) || (deltaZ == 0 && deltaR > 0)
	if !fire || zones == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.ZoneRecuts.Inc()
	}
	e.mu.Lock()
	e.expectedZones = len(zones)
	e.mu.Unlock()

	env := proto.Envelope{Type: proto.DistributedDetectionInit, Sender: e.self, Zones: zones, Leaders: leaders}
	e.broadcast(env, true, e.HandleDistributedDetectionInit)
}

// HandleDistributedDetectionInit replaces this node's zone membership.
func (e *Engine) HandleDistributedDetectionInit(env proto.Envelope) (proto.Ack, error) {
	e.zoneMgr.Reconfigure(env.Zones, env.Leaders)
	return proto.Ack{OK: true}, nil
}

// RunZoneLeader drives the zone-detection loop: a no-op tick on any
// node that is not currently its own zone's leader.
func (e *Engine) RunZoneLeader(ctx context.Context) error {
	ticker := time.NewTicker(e.leaderEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.zoneMgr.IsLeader() {
				e.startZoneRound()
			}
		}
	}
}

func (e *Engine) startZoneRound() {
	members := e.zoneMgr.Members()
	e.mu.Lock()
	e.zoneAgg = make(map[ids.TransactionId][]ids.TransactionId)
	e.zoneReceived = make(map[ids.NodeId]bool)
	e.zoneExpected = len(members)
	e.mu.Unlock()

	for _, m := range members {
		req := proto.Envelope{
			Type: proto.ZoneDetectionRequest, Sender: e.self, Receiver: m,
			CentralNode: e.self, ZoneMembers: members,
		}
		e.deliverTo(m, req, e.HandleZoneDetectionRequest)
	}
}

// HandleZoneDetectionRequest answers a leader's poll with this
// member's pruned local WFG (including the leader polling itself).
func (e *Engine) HandleZoneDetectionRequest(env proto.Envelope) (proto.Ack, error) {
	wfg := e.lt.BuildLocalWFG(e.activeSet())
	resp := proto.Envelope{Type: proto.ZoneWFGReport, Sender: e.self, Receiver: env.Sender, Adjacency: wfg}
	e.deliverTo(env.Sender, resp, e.HandleZoneWFGReport)
	return proto.Ack{OK: true}, nil
}

// HandleZoneWFGReport merges a member's report into the leader's
// current zone round; once every member has answered, runs detection
// and escalates to the coordinator.
func (e *Engine) HandleZoneWFGReport(env proto.Envelope) (proto.Ack, error) {
	e.mu.Lock()
	if e.zoneAgg == nil {
		e.mu.Unlock()
		return proto.Ack{OK: true}, nil
	}
	for w, hs := range env.Adjacency {
		e.zoneAgg[w] = append(e.zoneAgg[w], hs...)
	}
	if !e.zoneReceived[env.Sender] {
		e.zoneReceived[env.Sender] = true
	}
	ready := len(e.zoneReceived) >= e.zoneExpected
	var graph map[ids.TransactionId][]ids.TransactionId
	if ready {
		graph = e.zoneAgg
		e.zoneAgg = nil
	}
	e.mu.Unlock()

	if ready {
		e.detectAndEscalate(graph)
	}
	return proto.Ack{OK: true}, nil
}

func (e *Engine) detectAndEscalate(graph map[ids.TransactionId][]ids.TransactionId) {
	if e.metrics != nil {
		e.metrics.DetectionRounds.WithLabelValues("hawk-zone").Inc()
	}
	result := cycle.FindCycles(cycle.Graph(graph))
	homes := e.lt.LocalHomes(graph)
	for _, cyc := range result.Cycles {
		victim := cycle.SelectVictim(cyc, result.Frequency)
		home, ok := homes[victim]
		if !ok {
			continue
		}
		if err := e.pipeline.ApplyVictim(victim, home, "hawk-zone"); err != nil && e.log != nil {
			e.log.Warn("hawk zone leader failed to apply victim abort", zap.Error(err))
		}
	}

	report := proto.Envelope{
		Type: proto.CentralWFGReportFromZone, Sender: e.self, Receiver: e.coordinator,
		Adjacency: graph, Cycles: result.Cycles, DeadlockCount: len(result.Cycles),
	}
	e.deliverTo(e.coordinator, report, e.HandleCentralWFGReportFromZone)
}

// HandleCentralWFGReportFromZone is the coordinator-side handler for a
// zone leader's escalated report: accumulates CZ and the union graph,
// running the central detection pass once every zone has reported.
func (e *Engine) HandleCentralWFGReportFromZone(env proto.Envelope) (proto.Ack, error) {
	e.mu.Lock()
	e.cz += env.DeadlockCount
	if e.escAgg == nil {
		e.escAgg = make(map[ids.TransactionId][]ids.TransactionId)
		e.escReceived = make(map[ids.NodeId]bool)
	}
	for w, hs := range env.Adjacency {
		e.escAgg[w] = append(e.escAgg[w], hs...)
	}
	if !e.escReceived[env.Sender] {
		e.escReceived[env.Sender] = true
	}
	ready := len(e.escReceived) >= e.expectedZones
	var graph map[ids.TransactionId][]ids.TransactionId
	if ready {
		graph = e.escAgg
		e.escAgg = nil
		e.escReceived = make(map[ids.NodeId]bool)
	}
	e.mu.Unlock()

	if ready {
		e.runEscalation(graph)
	}
	return proto.Ack{OK: true}, nil
}

// Snapshot returns the union WFG from the most recently completed
// escalation round, the data CLIENT_COLLECT_WFG_REQUEST reports against
// in HAWK mode.
func (e *Engine) Snapshot() map[ids.TransactionId][]ids.TransactionId {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[ids.TransactionId][]ids.TransactionId, len(e.lastGraph))
	for w, hs := range e.lastGraph {
		out[w] = append([]ids.TransactionId(nil), hs...)
	}
	return out
}

func (e *Engine) runEscalation(graph map[ids.TransactionId][]ids.TransactionId) {
	e.mu.Lock()
	e.lastGraph = graph
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.DetectionRounds.WithLabelValues("hawk-central").Inc()
	}
	result := cycle.FindCycles(cycle.Graph(graph))
	if len(result.Cycles) == 0 {
		return
	}
	if e.metrics != nil {
		e.metrics.CyclesFound.WithLabelValues("hawk-central").Add(float64(len(result.Cycles)))
	}
	e.mu.Lock()
	e.cr += len(result.Cycles)
	e.mu.Unlock()

	homes := e.lt.LocalHomes(graph)
	for _, cyc := range result.Cycles {
		victim := cycle.SelectVictim(cyc, result.Frequency)
		home, ok := homes[victim]
		if !ok {
			continue
		}
		if err := e.pipeline.ApplyVictim(victim, home, "hawk-central"); err != nil && e.log != nil {
			e.log.Warn("hawk coordinator failed to apply victim abort", zap.Error(err))
		}
	}
	if e.onReport != nil {
		e.onReport(result.Cycles, len(result.Cycles))
	}
}

// deliverTo routes an envelope to peer, short-circuiting straight to
// handle when peer is this node rather than round-tripping the network.
func (e *Engine) deliverTo(peer ids.NodeId, env proto.Envelope, handle func(proto.Envelope) (proto.Ack, error)) {
	if peer == e.self {
		if _, err := handle(env); err != nil && e.log != nil {
			e.log.Warn("hawk self-delivery failed", zap.Error(err))
		}
		return
	}
	if e.send == nil {
		return
	}
	if _, err := e.send(env); err != nil && e.log != nil {
		e.log.Warn("hawk message delivery failed", zap.Int("to", int(peer)), zap.Error(err))
	}
}
