package zone

import (
	"testing"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/stretchr/testify/assert"
)

func TestNew_SingletonSelfLeader(t *testing.T) {
	m := New(2)
	assert.True(t, m.IsLeader())
	assert.Equal(t, ids.NodeId(2), m.Leader())
	assert.Equal(t, []ids.NodeId{2}, m.Members())
}

func TestReconfigure_FindsOwnZone(t *testing.T) {
	m := New(3)
	zones := [][]ids.NodeId{{1, 2}, {3, 4}}
	leaders := []ids.NodeId{1, 3}

	m.Reconfigure(zones, leaders)

	assert.Equal(t, ids.NodeId(3), m.Leader())
	assert.True(t, m.IsLeader())
	assert.ElementsMatch(t, []ids.NodeId{3, 4}, m.Members())
}

func TestReconfigure_NotOwnLeader(t *testing.T) {
	m := New(4)
	zones := [][]ids.NodeId{{3, 4}}
	leaders := []ids.NodeId{3}

	m.Reconfigure(zones, leaders)

	assert.Equal(t, ids.NodeId(3), m.Leader())
	assert.False(t, m.IsLeader())
}

func TestReconfigure_FallsBackToSingletonWhenAbsent(t *testing.T) {
	m := New(5)
	zones := [][]ids.NodeId{{1, 2}}
	leaders := []ids.NodeId{1}

	m.Reconfigure(zones, leaders)

	assert.Equal(t, ids.NodeId(5), m.Leader())
	assert.True(t, m.IsLeader())
	assert.Equal(t, []ids.NodeId{5}, m.Members())
}
