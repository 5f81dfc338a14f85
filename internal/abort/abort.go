// Package abort implements the Abort/Resolution Pipeline (spec
// §4.L): applying victim abort signals — locally via the Transaction
// Registry, or remotely by dispatching ABORT_TRANSACTION_SIGNAL to the
// victim's home node — and reporting completed detection rounds to
// clients.
package abort

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hawkdlm/hawkdlm/internal/audit"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"go.uber.org/zap"
)

// registry is the narrow slice of *txn.Registry the pipeline needs.
type registry interface {
	Abort(id ids.TransactionId) error
}

// sender delivers an envelope to a peer and returns its ack. The node
// wiring supplies this bound to its transport.Dialer.Send.
type sender func(proto.Envelope) (proto.Ack, error)

// Pipeline applies abort decisions produced by any detection engine.
type Pipeline struct {
	self     ids.NodeId
	registry registry
	audit    *audit.Log
	send     sender

	log     *zap.Logger
	metrics *metrics.Registry
}

// New constructs a Pipeline for node self. audit may be nil (audit
// recording becomes a no-op) for components under test that do not
// want a bolt file.
func New(self ids.NodeId, reg registry, send sender, a *audit.Log, log *zap.Logger, m *metrics.Registry) *Pipeline {
	return &Pipeline{self: self, registry: reg, audit: a, send: send, log: log, metrics: m}
}

// ApplyVictim aborts victim, either locally (home == self) or by
// dispatching ABORT_TRANSACTION_SIGNAL to its home node. engine names
// the caller for metrics labeling. Stale references — an abort for a
// transaction already finished — are tolerated (§7 class 2): Abort is
// idempotent and a remote send failure is logged, not fatal, since the
// next detection period will simply re-discover the same cycle.
func (p *Pipeline) ApplyVictim(victim ids.TransactionId, home ids.NodeId, engine string) error {
	if p.metrics != nil {
		p.metrics.VictimsAborted.WithLabelValues(engine).Inc()
	}
	if home == p.self || home == 0 {
		if err := p.registry.Abort(victim); err != nil {
			return fmt.Errorf("abort: local abort of %d: %w", victim, err)
		}
		return nil
	}

	env := proto.Envelope{
		Type:      proto.DeadlockResolution,
		Sender:    p.self,
		Receiver:  home,
		AbortTxns: []ids.TransactionId{victim},
	}
	if p.send == nil {
		return fmt.Errorf("abort: no sender configured, cannot reach home node %d for victim %d", home, victim)
	}
	if _, err := p.send(env); err != nil {
		if p.log != nil {
			p.log.Warn("failed to dispatch abort signal", zap.Int("victim", int(victim)),
				zap.Int("home", int(home)), zap.Error(err))
		}
		return nil
	}
	return nil
}

// HandleAbortSignal is the transport-facing handler for an incoming
// DEADLOCK_RESOLUTION / ABORT_TRANSACTION_SIGNAL message: every listed
// txn is aborted locally (this node is its home, by construction of
// how the signal was routed). Already-finished transactions are
// ignored per §4.L.
func (p *Pipeline) HandleAbortSignal(env proto.Envelope) (proto.Ack, error) {
	for _, victim := range env.AbortTxns {
		if err := p.registry.Abort(victim); err != nil && p.log != nil {
			p.log.Warn("abort signal for unknown transaction", zap.Int("txn", int(victim)), zap.Error(err))
		}
	}
	return proto.Ack{OK: true}, nil
}

// RecordResolution persists a completed detection round's resolution
// to the audit log, a no-op if no audit log was configured.
func (p *Pipeline) RecordResolution(r audit.DeadlockRecord) {
	if p.audit == nil {
		return
	}
	if err := p.audit.RecordDeadlock(r); err != nil && p.log != nil {
		p.log.Warn("failed to record deadlock resolution to audit log", zap.Error(err))
	}
}

// DeadlockReportToClient builds the one-way client-facing report §4.L
// says only the coordinator emits, after a detection round completes.
// Every call gets a fresh CorrelationID so a subscriber can recognise
// (and drop) a redelivery of this exact report caused by the push's
// own retry.
func DeadlockReportToClient(self ids.NodeId, cycles [][]ids.TransactionId, deadlockCount int) proto.Envelope {
	return proto.Envelope{
		Type:          proto.DeadlockReportToClient,
		Sender:        self,
		Cycles:        cycles,
		DeadlockCount: deadlockCount,
		CorrelationID: uuid.New(),
		SentAt:        time.Now(),
	}
}
