package transport

import "github.com/hawkdlm/hawkdlm/internal/proto"

// ClientRecipientName is the net/rpc service name a CLI dials,
// distinct from RecipientName: node-to-node traffic is one Envelope
// tagged by Type and funneled through a single Deliver method, but a
// human-driven client genuinely wants one RPC method per operation —
// the same "Server.Deposit", "Server.Transfer"-style split the teacher
// exposes for its own client CLI — since each one's reply shape differs
// and none of them benefit from being queued through the Router.
const ClientRecipientName = "Client"

type ClientHandlers struct {
	CollectWFG      func() proto.Envelope
	PrintDeadlocks  func() proto.Envelope
	PrintCompleted  func() proto.Envelope
	ResolveDeadlock func(proto.Envelope) proto.Ack

	// Subscribe registers addr as a DEADLOCK_REPORT_TO_CLIENT push
	// target: the coordinator dials addr back and delivers a report
	// after every detection round that finds at least one cycle.
	Subscribe func(addr string) proto.Ack
}

// ClientService is the net/rpc-visible surface for the five
// client-facing operations.
type ClientService struct {
	h ClientHandlers
}

// NewClientService wraps h for rpc.RegisterName.
func NewClientService(h ClientHandlers) *ClientService { return &ClientService{h: h} }

// CollectWFG answers CLIENT_COLLECT_WFG_REQUEST with the node's current
// aggregated wait-for graph.
func (s *ClientService) CollectWFG(args proto.Envelope, reply *proto.Envelope) error {
	_ = args
	*reply = s.h.CollectWFG()
	return nil
}

// PrintDeadlocks answers CLIENT_PRINT_DEADLOCK_REQUEST with every
// deadlock resolution recorded in the audit log.
func (s *ClientService) PrintDeadlocks(args proto.Envelope, reply *proto.Envelope) error {
	_ = args
	*reply = s.h.PrintDeadlocks()
	return nil
}

// PrintCompleted answers CLIENT_PRINT_COMPLETED_REQUEST with every
// completed-transaction record in the audit log.
func (s *ClientService) PrintCompleted(args proto.Envelope, reply *proto.Envelope) error {
	_ = args
	*reply = s.h.PrintCompleted()
	return nil
}

// ResolveDeadlock answers CLIENT_RESOLVE_DEADLOCK_REQUEST by aborting
// args.Txn through the abort pipeline.
func (s *ClientService) ResolveDeadlock(args proto.Envelope, reply *proto.Ack) error {
	*reply = s.h.ResolveDeadlock(args)
	return nil
}

// Subscribe registers the calling client's listen address as a
// DEADLOCK_REPORT_TO_CLIENT push target.
func (s *ClientService) Subscribe(addr string, reply *proto.Ack) error {
	*reply = s.h.Subscribe(addr)
	return nil
}
