// Package zone implements the Zone Manager (spec §4.I): per-node
// bookkeeping of which detection zone this node currently believes it
// belongs to, and who leads it.
package zone

import (
	"sync"

	"github.com/hawkdlm/hawkdlm/internal/ids"
)

// Manager holds one node's view of the current zone partition. It
// starts as a singleton zone led by itself and is replaced wholesale,
// never merged, whenever a DISTRIBUTED_DETECTION_INIT arrives.
type Manager struct {
	node ids.NodeId

	mu      sync.Mutex
	leader  ids.NodeId
	members []ids.NodeId
}

// New constructs a Manager for node, initially a singleton zone led
// by itself.
func New(node ids.NodeId) *Manager {
	return &Manager{
		node:    node,
		leader:  node,
		members: []ids.NodeId{node},
	}
}

// Reconfigure atomically replaces this node's zone membership. zones
// and leaders are parallel slices, one leader per zone, as carried by
// DISTRIBUTED_DETECTION_INIT. If node does not appear in any zone
// (should not happen since zones partition every active node), the
// manager falls back to its own singleton zone so it never ends up
// with no leader at all.
func (m *Manager) Reconfigure(zones [][]ids.NodeId, leaders []ids.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, z := range zones {
		if i >= len(leaders) || len(z) == 0 {
			continue
		}
		for _, member := range z {
			if member == m.node {
				m.leader = leaders[i]
				m.members = append([]ids.NodeId(nil), z...)
				return
			}
		}
	}
	m.leader = m.node
	m.members = []ids.NodeId{m.node}
}

// Leader returns this node's current zone leader.
func (m *Manager) Leader() ids.NodeId {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// IsLeader reports whether this node is its own zone's leader.
func (m *Manager) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.node == m.leader
}

// Members returns a snapshot of this node's current zone membership.
func (m *Manager) Members() []ids.NodeId {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ids.NodeId(nil), m.members...)
}
