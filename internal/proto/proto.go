// Package proto defines the inter-node message protocol (spec §6): a
// tagged union of request/response variants carrying lock traffic,
// WFG reports, zone reconfiguration, and abort signals. Every message
// carries a sender and receiver node id; receiver 0 denotes broadcast,
// handled by fan-out at the Message Router (§4.J).
package proto

import (
	"time"

	"github.com/google/uuid"
	"github.com/hawkdlm/hawkdlm/internal/ids"
)

// Type tags a Message's payload.
type Type int

const (
	LockRequest Type = iota
	LockResponse
	ReleaseLockRequest
	ReleaseLockResponse
	CentralWFGRequest // the coordinator's broadcast poll, §4.F step 2 ("broadcast a WFG request")
	WFGReport
	PAGRequest
	PAGResponse
	DeadlockResolution // == AbortTransactionSignal
	DistributedDetectionInit
	ZoneDetectionRequest
	ZoneWFGReport
	CentralWFGReportFromZone
	PathPushingProbe
	ClientCollectWFGRequest
	ClientCollectWFGResponse
	ClientPrintDeadlockRequest
	ClientPrintDeadlockResponse
	ClientResolveDeadlockRequest
	ClientResolveDeadlockResponse
	DeadlockReportToClient
	ClientPrintCompletedRequest
	ClientPrintCompletedResponse
)

func (t Type) String() string {
	names := [...]string{
		"LockRequest", "LockResponse", "ReleaseLockRequest", "ReleaseLockResponse",
		"CentralWFGRequest", "WFGReport", "PAGRequest", "PAGResponse", "DeadlockResolution",
		"DistributedDetectionInit", "ZoneDetectionRequest", "ZoneWFGReport",
		"CentralWFGReportFromZone", "PathPushingProbe", "ClientCollectWFGRequest",
		"ClientCollectWFGResponse", "ClientPrintDeadlockRequest", "ClientPrintDeadlockResponse",
		"ClientResolveDeadlockRequest", "ClientResolveDeadlockResponse", "DeadlockReportToClient",
		"ClientPrintCompletedRequest", "ClientPrintCompletedResponse",
	}
	if int(t) < 0 || int(t) >= len(names) {
		return "Unknown"
	}
	return names[t]
}

// AdjacencyList is the wire form of a wait-for graph: TransactionId ->
// list of TransactionIds it waits for.
type AdjacencyList map[ids.TransactionId][]ids.TransactionId

// WFDEdgeWire is the wire form of a locktable.WFDEdge (proto does not
// import locktable, to keep the dependency direction from the wire
// format toward the logic, not back).
type WFDEdgeWire struct {
	W ids.TxnRef
	H ids.TxnRef
}

// CompletedRecordWire is the wire form of an audit.CompletedRecord
// (proto does not import audit, same layering reason as WFDEdgeWire).
type CompletedRecordWire struct {
	Txn      ids.TransactionId
	Home     ids.NodeId
	Status   ids.Status
	Start    time.Time
	Finished time.Time
}

// Envelope is the single struct net/rpc exchanges for every message
// type; Type selects which of the payload fields is meaningful, the
// same tagged-union-over-one-struct shape net/rpc's "one args type per
// method" convention pushes toward once a handler must accept several
// logical messages with heterogeneous shapes funneled through one
// router queue.
type Envelope struct {
	Type     Type
	Sender   ids.NodeId
	Receiver ids.NodeId // 0 == broadcast

	Txn  ids.TransactionId
	Res  ids.ResourceId
	Mode ids.LockMode

	Granted bool

	Adjacency AdjacencyList

	// VertexHomes best-effort annotates the home node of every vertex
	// appearing in Adjacency. TransactionIds are unique only within
	// their home node (spec §4.B), so a coordinator merging reports
	// from several nodes needs this to route an eventual abort signal
	// without assuming global uniqueness; a vertex the reporter could
	// not resolve is simply absent.
	VertexHomes map[ids.TransactionId]ids.NodeId

	WFDEdges []WFDEdgeWire

	AbortTxns []ids.TransactionId

	Zones   [][]ids.NodeId
	Leaders []ids.NodeId

	CentralNode   ids.NodeId
	ZoneMembers   []ids.NodeId

	Cycles         [][]ids.TransactionId
	DeadlockCount  int

	Path []ids.TransactionId

	Completed []CompletedRecordWire

	CorrelationID uuid.UUID
	SentAt        time.Time
}

// Ack is the generic RPC reply net/rpc's handler methods return when
// a message has no interesting response payload of its own (e.g. an
// abort signal applied one-way).
type Ack struct {
	OK    bool
	Error string
}
