// Package node wires every component into one running hawkdlm node
// (spec §4.K): the Resource Manager, Transaction Registry, Lock Table
// Builder, Zone Manager, the Message Router/Dialer pair, the Abort
// Pipeline, the audit log, and whichever single detection engine the
// node's config selects. It also runs the transaction driver loop that
// walks each local transaction's operation script.
package node

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/abort"
	"github.com/hawkdlm/hawkdlm/internal/audit"
	"github.com/hawkdlm/hawkdlm/internal/config"
	"github.com/hawkdlm/hawkdlm/internal/cycle"
	"github.com/hawkdlm/hawkdlm/internal/detect/centralized"
	"github.com/hawkdlm/hawkdlm/internal/detect/hawk"
	"github.com/hawkdlm/hawkdlm/internal/detect/pathpush"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/locktable"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"github.com/hawkdlm/hawkdlm/internal/resource"
	"github.com/hawkdlm/hawkdlm/internal/transport"
	"github.com/hawkdlm/hawkdlm/internal/txn"
	"github.com/hawkdlm/hawkdlm/internal/zone"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Node owns every per-process component and the one enabled detection
// engine, addressable through detectionEngine.
type Node struct {
	self ids.NodeId
	cfg  config.Config

	log     *zap.Logger
	metrics *metrics.Registry
	audit   *audit.Log

	resources *resource.Manager
	registry  *txn.Registry
	lt        *locktable.Builder
	zoneMgr   *zone.Manager

	router *transport.Router
	dialer *transport.Dialer

	pipeline *abort.Pipeline

	centralEngine  *centralized.Engine
	hawkEngine     *hawk.Engine
	pathpushEngine *pathpush.Engine

	listener net.Listener

	subMu       sync.Mutex
	subscribers map[string]struct{}
}

// New assembles a Node for self out of cfg, wiring every handler and
// the single detection engine cfg.Mode selects. auditPath is the bolt
// file this node's audit log persists to; an empty path runs without
// one (RecordResolution and CompletedRecord become no-ops).
func New(self ids.NodeId, cfg config.Config, auditPath string, log *zap.Logger, m *metrics.Registry) (*Node, error) {
	var auditLog *audit.Log
	if auditPath != "" {
		a, err := audit.Open(auditPath)
		if err != nil {
			return nil, fmt.Errorf("node: opening audit log: %w", err)
		}
		auditLog = a
	}

	resources := resource.New(self, cfg.ResourcesPerNode, log, m)
	registry := txn.New(self, resources, log, m)
	lt := locktable.New(self, resources, registry)
	zoneMgr := zone.New(self)

	router := transport.NewRouter(log, 256)
	peers := make(map[ids.NodeId]string, len(cfg.Peers))
	for n, addr := range cfg.Peers {
		peers[ids.NodeId(n)] = addr
	}
	dialer := transport.NewDialer(self, peers, log)

	pipeline := abort.New(self, registry, dialer.Send, auditLog, log, m)

	n := &Node{
		self: self, cfg: cfg,
		log: log, metrics: m, audit: auditLog,
		resources: resources, registry: registry, lt: lt, zoneMgr: zoneMgr,
		router: router, dialer: dialer, pipeline: pipeline,
		subscribers: make(map[string]struct{}),
	}

	resources.SetRetryFunc(n.retry)

	if auditLog != nil {
		registry.SetCompletionObserver(func(id ids.TransactionId, home ids.NodeId, status ids.Status, start, finished time.Time) {
			rec := audit.CompletedRecord{Txn: id, Home: home, Status: status, Start: start, Finished: finished}
			if err := auditLog.RecordCompleted(rec); err != nil && log != nil {
				log.Warn("failed to record completed transaction to audit log", zap.Int("txn", int(id)), zap.Error(err))
			}
		})
	}
	registry.SetLatencyObserver(func(d time.Duration) {
		if m != nil {
			m.TxnLatencySeconds.Observe(d.Seconds())
		}
	})

	coordinator := ids.NodeId(cfg.CentralizedNode)
	switch cfg.Mode {
	case config.ModeCentralized:
		n.centralEngine = centralized.New(self, coordinator, cfg.NumNodes, cfg.DetectionInterval(),
			lt, registry.ActiveSet, dialer.Broadcast, dialer.Send, pipeline, n.onDetectionReport, log, m)
	case config.ModeHAWK:
		n.hawkEngine = hawk.New(self, coordinator, cfg.NumNodes,
			cfg.PAGSampleInterval(), cfg.CheckInterval(), cfg.ZoneLeaderPeriod(),
			cfg.SCCCutThreshold, cfg.RThreshold, lt, registry.ActiveSet, zoneMgr,
			dialer.Broadcast, dialer.Send, pipeline, n.onDetectionReport, log, m)
	case config.ModePathPushing:
		n.pathpushEngine = pathpush.New(self, coordinator, cfg.ResourcesPerNode, cfg.DetectionInterval(),
			registry, resources, lt.ResolveHome, dialer.Send, pipeline, n.onPathPushReport, log, m)
	case config.ModeNone:
		// No detection engine runs; locks are still granted, queued and
		// released normally (§4.F "Non-goals": detection is optional).
	}

	n.registerHandlers()
	return n, nil
}

func (n *Node) registerHandlers() {
	n.router.Handle(proto.LockRequest, n.handleLockRequest)
	n.router.Handle(proto.LockResponse, n.handleLockResponse)
	n.router.Handle(proto.ReleaseLockRequest, n.handleReleaseLockRequest)
	n.router.Handle(proto.DeadlockResolution, n.pipeline.HandleAbortSignal)

	switch {
	case n.centralEngine != nil:
		n.router.Handle(proto.CentralWFGRequest, n.centralEngine.HandleRequest)
		n.router.Handle(proto.WFGReport, n.centralEngine.HandleReport)
	case n.hawkEngine != nil:
		n.router.Handle(proto.PAGRequest, n.hawkEngine.HandlePAGRequest)
		n.router.Handle(proto.PAGResponse, n.hawkEngine.HandlePAGResponse)
		n.router.Handle(proto.DistributedDetectionInit, n.hawkEngine.HandleDistributedDetectionInit)
		n.router.Handle(proto.ZoneDetectionRequest, n.hawkEngine.HandleZoneDetectionRequest)
		n.router.Handle(proto.ZoneWFGReport, n.hawkEngine.HandleZoneWFGReport)
		n.router.Handle(proto.CentralWFGReportFromZone, n.hawkEngine.HandleCentralWFGReportFromZone)
	case n.pathpushEngine != nil:
		n.router.Handle(proto.PathPushingProbe, n.pathpushEngine.HandleProbe)
	}
}

// retry is the Resource Manager's single composed RetryFunc: a queue
// head's transaction may be owned by this node's own registry, or by a
// registry on a different node entirely (a resource this node owns can
// be queued on by any transaction in the cluster). HandleRetry tries
// the local registry first and returns false if id is not tracked here
// at all; the fallback re-attempts the acquire directly and, if it
// grants, sends a LOCK_RESPONSE to the txn's home node itself, since
// there is no local registry entry to do it through AwaitRemote/Commit.
func (n *Node) retry(t ids.TransactionId, r ids.ResourceId, mode ids.LockMode) {
	if n.registry.HandleRetry(t, r, mode) {
		return
	}
	result, err := n.resources.AcquireLock(t, r, mode)
	if err != nil {
		if n.log != nil {
			n.log.Warn("remote retry acquire failed", zap.Int("txn", int(t)), zap.Int("resource", int(r)), zap.Error(err))
		}
		return
	}
	if result != resource.Granted {
		return
	}
	home, ok := n.lt.ResolveHome(t)
	if !ok {
		if n.log != nil {
			n.log.Warn("granted remote retry but home unresolved, response undeliverable",
				zap.Int("txn", int(t)), zap.Int("resource", int(r)))
		}
		return
	}
	n.sendLockResponse(home, t, r, mode, true)
}

func (n *Node) sendLockResponse(home ids.NodeId, t ids.TransactionId, r ids.ResourceId, mode ids.LockMode, granted bool) {
	env := proto.Envelope{
		Type: proto.LockResponse, Sender: n.self, Receiver: home,
		Txn: t, Res: r, Mode: mode, Granted: granted,
	}
	if home == n.self {
		if _, err := n.handleLockResponse(env); err != nil && n.log != nil {
			n.log.Warn("self lock response delivery failed", zap.Error(err))
		}
		return
	}
	if _, err := n.dialer.Send(env); err != nil && n.log != nil {
		n.log.Warn("failed to send lock response", zap.Int("home", int(home)), zap.Error(err))
	}
}

// handleLockRequest is the owning node's side of a remote acquire:
// record who asked (so the lock table can annotate a future WFG report
// with this transaction's home), attempt the acquire, and — only if it
// grants immediately — fire the async LOCK_RESPONSE right away. A
// request that queues gets its eventual LOCK_RESPONSE later, from
// retry, once a release frees the queue head.
func (n *Node) handleLockRequest(env proto.Envelope) (proto.Ack, error) {
	n.lt.RecordRemoteHome(env.Txn, env.Sender)
	result, err := n.resources.AcquireLock(env.Txn, env.Res, env.Mode)
	if err != nil {
		return proto.Ack{OK: false, Error: err.Error()}, nil
	}
	if result == resource.Granted {
		n.sendLockResponse(env.Sender, env.Txn, env.Res, env.Mode, true)
	}
	return proto.Ack{OK: true}, nil
}

// handleLockResponse wakes the transaction driver goroutine blocked in
// AwaitRemote for this transaction's pending remote acquire.
func (n *Node) handleLockResponse(env proto.Envelope) (proto.Ack, error) {
	n.registry.SignalRemote(env.Txn, env.Granted)
	if env.Granted {
		if err := n.registry.RecordAcquired(env.Txn, env.Res, env.Mode); err != nil && n.log != nil {
			n.log.Warn("lock response for unknown local transaction", zap.Int("txn", int(env.Txn)), zap.Error(err))
		}
	}
	return proto.Ack{OK: true}, nil
}

func (n *Node) handleReleaseLockRequest(env proto.Envelope) (proto.Ack, error) {
	if err := n.resources.ReleaseLock(env.Txn, env.Res); err != nil {
		return proto.Ack{OK: false, Error: err.Error()}, nil
	}
	n.lt.ForgetRemoteHome(env.Txn)
	return proto.Ack{OK: true}, nil
}

// ClientHandlers builds the transport.ClientHandlers this node answers
// CLI requests with, for registration against a transport.ClientService
// in Start.
func (n *Node) ClientHandlers() transport.ClientHandlers {
	return transport.ClientHandlers{
		CollectWFG:      n.collectWFG,
		PrintDeadlocks:  n.printDeadlocks,
		ResolveDeadlock: n.resolveDeadlock,
		PrintCompleted:  n.printCompleted,
		Subscribe:       n.subscribe,
	}
}

// subscribe registers addr to receive DEADLOCK_REPORT_TO_CLIENT pushes.
func (n *Node) subscribe(addr string) proto.Ack {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	n.subscribers[addr] = struct{}{}
	return proto.Ack{OK: true}
}

// publishReport pushes env to every subscribed client address, §4.L's
// "emit a deadlock report to the client" — delivery is one-way and
// best-effort: an unreachable subscriber is logged and otherwise
// ignored, the same transient-loss tolerance the dialer applies to
// node-to-node traffic (§7 class 1). Clients that never subscribed can
// still poll the same data via PrintDeadlocks.
func (n *Node) publishReport(env proto.Envelope) {
	n.subMu.Lock()
	addrs := make([]string, 0, len(n.subscribers))
	for addr := range n.subscribers {
		addrs = append(addrs, addr)
	}
	n.subMu.Unlock()

	for _, addr := range addrs {
		go func(addr string) {
			client, err := rpc.Dial("tcp", addr)
			if err != nil {
				if n.log != nil {
					n.log.Warn("failed to dial deadlock report subscriber", zap.String("addr", addr), zap.Error(err))
				}
				return
			}
			defer client.Close()
			var ack proto.Ack
			if err := client.Call("ReportSink.Deliver", env, &ack); err != nil && n.log != nil {
				n.log.Warn("failed to push deadlock report to subscriber", zap.String("addr", addr), zap.Error(err))
			}
		}(addr)
	}
}

// collectWFG reports the current aggregated WFG: the last completed
// centralized round, or the last completed HAWK escalation's union
// graph. Path-pushing and None modes never assemble a global graph, so
// the response is simply empty.
func (n *Node) collectWFG() proto.Envelope {
	var graph map[ids.TransactionId][]ids.TransactionId
	switch {
	case n.centralEngine != nil:
		graph = n.centralEngine.Snapshot()
	case n.hawkEngine != nil:
		graph = n.hawkEngine.Snapshot()
	default:
		graph = map[ids.TransactionId][]ids.TransactionId{}
	}
	return proto.Envelope{Type: proto.ClientCollectWFGResponse, Sender: n.self, Adjacency: graph}
}

// printDeadlocks reports every deadlock resolution recorded in the
// audit log so far.
func (n *Node) printDeadlocks() proto.Envelope {
	if n.audit == nil {
		return proto.Envelope{Type: proto.ClientPrintDeadlockResponse, Sender: n.self}
	}
	records, err := n.audit.Deadlocks()
	if err != nil {
		if n.log != nil {
			n.log.Warn("failed to read audit log for client request", zap.Error(err))
		}
		return proto.Envelope{Type: proto.ClientPrintDeadlockResponse, Sender: n.self}
	}
	cycles := make([][]ids.TransactionId, 0, len(records))
	for _, r := range records {
		cycles = append(cycles, r.Cycle)
	}
	return proto.Envelope{Type: proto.ClientPrintDeadlockResponse, Sender: n.self, Cycles: cycles, DeadlockCount: len(cycles)}
}

// printCompleted reports every completed-transaction record persisted
// to the audit log so far, the teacher client menu's "print committed
// transactions" translated into its own one-shot request.
func (n *Node) printCompleted() proto.Envelope {
	if n.audit == nil {
		return proto.Envelope{Type: proto.ClientPrintCompletedResponse, Sender: n.self}
	}
	records, err := n.audit.CompletedSince(0)
	if err != nil {
		if n.log != nil {
			n.log.Warn("failed to read audit log for client request", zap.Error(err))
		}
		return proto.Envelope{Type: proto.ClientPrintCompletedResponse, Sender: n.self}
	}
	wire := make([]proto.CompletedRecordWire, 0, len(records))
	for _, r := range records {
		wire = append(wire, proto.CompletedRecordWire{
			Txn: r.Txn, Home: r.Home, Status: r.Status, Start: r.Start, Finished: r.Finished,
		})
	}
	return proto.Envelope{Type: proto.ClientPrintCompletedResponse, Sender: n.self, Completed: wire}
}

func (n *Node) resolveDeadlock(env proto.Envelope) proto.Ack {
	home, ok := n.lt.ResolveHome(env.Txn)
	if !ok {
		home = n.self
	}
	if err := n.pipeline.ApplyVictim(env.Txn, home, "client"); err != nil {
		return proto.Ack{OK: false, Error: err.Error()}
	}
	return proto.Ack{OK: true}
}

func (n *Node) onDetectionReport(cycles [][]ids.TransactionId, deadlockCount int) {
	freq := make(map[ids.TransactionId]int)
	for _, cyc := range cycles {
		for _, v := range cyc {
			freq[v]++
		}
	}
	for _, cyc := range cycles {
		victim := cycle.SelectVictim(cyc, freq)
		n.pipeline.RecordResolution(audit.DeadlockRecord{Cycle: cyc, Victim: victim, DetectedAt: now()})
	}
	if n.log != nil {
		n.log.Info("deadlock detection round completed", zap.Int("cycles", deadlockCount))
	}
	if len(cycles) > 0 {
		n.publishReport(abort.DeadlockReportToClient(n.self, cycles, deadlockCount))
	}
}

func (n *Node) onPathPushReport(cyc []ids.TransactionId) {
	n.pipeline.RecordResolution(audit.DeadlockRecord{Cycle: cyc, Victim: cycle.SelectVictim(cyc, nil), DetectedAt: now()})
	n.publishReport(abort.DeadlockReportToClient(n.self, [][]ids.TransactionId{cyc}, 1))
}

func now() time.Time { return time.Now() }

// Begin starts a new transaction with ops and lets the driver loop
// work through it; it returns as soon as the transaction is admitted,
// not once it finishes.
func (n *Node) Begin(ops []txn.Operation) ids.TransactionId {
	t := n.registry.Begin(ops)
	return t.ID
}

// driveTransaction advances id through its operation script until it
// either commits or is aborted out from under the driver (checked via
// registry.Get on every iteration, since abort can happen concurrently
// from a detection engine's victim signal).
func (n *Node) driveTransaction(ctx context.Context, id ids.TransactionId) {
	for {
		if _, ok := n.registry.Get(id); !ok {
			return // aborted or committed already
		}
		op, ok := n.registry.NextOp(id)
		if !ok {
			_ = n.registry.Commit(id)
			return
		}

		if n.resources.Owns(op.Resource) {
			result, err := n.resources.AcquireLock(id, op.Resource, op.Mode)
			if err != nil {
				if n.log != nil {
					n.log.Warn("local acquire failed", zap.Int("txn", int(id)), zap.Error(err))
				}
				return
			}
			if result == resource.Granted {
				_ = n.registry.RecordAcquired(id, op.Resource, op.Mode)
				continue
			}
			_ = n.registry.MarkBlocked(id, op.Resource)
			if !n.awaitLocal(ctx, id) {
				return
			}
			continue
		}

		_ = n.registry.MarkBlocked(id, op.Resource)
		owner := ids.OwnerNode(op.Resource, n.cfg.ResourcesPerNode)
		req := proto.Envelope{
			Type: proto.LockRequest, Sender: n.self, Receiver: owner,
			Txn: id, Res: op.Resource, Mode: op.Mode,
		}
		if _, err := n.dialer.Send(req); err != nil {
			if n.log != nil {
				n.log.Warn("lock request send failed", zap.Int("txn", int(id)), zap.Int("owner", int(owner)), zap.Error(err))
			}
			return
		}
		granted, err := n.registry.AwaitRemote(ctx, id)
		if err != nil {
			return
		}
		if !granted {
			return
		}
	}
}

// awaitLocal blocks the driver on a locally queued request by polling
// the registry every 20ms: a local queue head retried through
// registry.HandleRetry calls RecordAcquired directly rather than
// signalling, which sets the transaction back to Running. It returns
// true once the status is Running, and false when ctx is done or the
// transaction is no longer in the registry.
func (n *Node) awaitLocal(ctx context.Context, id ids.TransactionId) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			snap, ok := n.registry.Get(id)
			if !ok {
				return false
			}
			if snap.Status == ids.Running {
				return true
			}
		}
	}
}

// Start brings up the node's listener, router, transaction driver and
// detection engine, returning once ctx is cancelled or a component
// fails irrecoverably.
func (n *Node) Start(ctx context.Context) error {
	addr, ok := n.cfg.Peers[int(n.self)]
	if !ok {
		return fmt.Errorf("node: no listen address configured for self (node %d)", n.self)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", addr, err)
	}
	n.listener = ln

	if err := rpc.RegisterName(transport.RecipientName, transport.NewService(n.router)); err != nil {
		return fmt.Errorf("node: registering rpc service: %w", err)
	}
	if err := rpc.RegisterName(transport.ClientRecipientName, transport.NewClientService(n.ClientHandlers())); err != nil {
		return fmt.Errorf("node: registering client rpc service: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.router.Run()
		return nil
	})

	g.Go(func() error {
		return n.acceptLoop(gctx)
	})

	g.Go(func() error {
		return n.driverLoop(gctx)
	})

	switch {
	case n.centralEngine != nil:
		g.Go(func() error { return n.centralEngine.Run(gctx) })
	case n.hawkEngine != nil:
		g.Go(func() error { return n.hawkEngine.RunPAGSampler(gctx) })
		g.Go(func() error { return n.hawkEngine.RunZoneLeader(gctx) })
	case n.pathpushEngine != nil:
		g.Go(func() error { return n.pathpushEngine.Run(gctx) })
	}

	return g.Wait()
}

func (n *Node) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		n.listener.Close()
	}()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if n.log != nil {
					n.log.Warn("accept failed", zap.Error(err))
				}
				continue
			}
		}
		go rpc.ServeConn(conn)
	}
}

// driverLoop periodically sweeps every Running transaction and starts a
// driveTransaction goroutine for each one not already in flight, up to
// MaxConcurrentTransactionsPerNode (no cap when it is 0 or less); each
// goroutine runs its transaction until it commits or is aborted.
func (n *Node) driverLoop(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	var mu sync.Mutex
	inFlight := make(map[ids.TransactionId]struct{})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range n.registry.RunningIDs() {
				mu.Lock()
				_, running := inFlight[id]
				atCap := n.cfg.MaxConcurrentTransactionsPerNode > 0 &&
					len(inFlight) >= n.cfg.MaxConcurrentTransactionsPerNode
				if !running && !atCap {
					inFlight[id] = struct{}{}
				}
				mu.Unlock()
				if running || atCap {
					continue
				}
				go func(id ids.TransactionId) {
					defer func() {
						mu.Lock()
						delete(inFlight, id)
						mu.Unlock()
					}()
					n.driveTransaction(ctx, id)
				}(id)
			}
		}
	}
}

// Stop tears down the router and outbound connections; Start's errgroup
// returns once its context is cancelled by the caller.
func (n *Node) Stop() {
	n.router.Stop()
	n.dialer.Close()
	if n.listener != nil {
		n.listener.Close()
	}
	if n.audit != nil {
		n.audit.Close()
	}
}
