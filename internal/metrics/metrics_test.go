package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnregistered_AllCollectorsUsable(t *testing.T) {
	r := NewUnregistered()
	require.NotNil(t, r)

	assert.NotPanics(t, func() {
		r.LocksGranted.WithLabelValues("Exclusive").Inc()
		r.LocksQueued.WithLabelValues("Shared").Inc()
		r.LocksReleased.WithLabelValues("Exclusive").Inc()
		r.DetectionRounds.WithLabelValues("HAWK").Inc()
		r.CyclesFound.WithLabelValues("HAWK").Inc()
		r.VictimsAborted.WithLabelValues("HAWK").Inc()
		r.ZoneRecuts.Inc()
		r.ActiveTxns.Set(3)
		r.TxnLatencySeconds.Observe(0.05)
	})
}

func TestNewRegistry_RegistersAllCollectors(t *testing.T) {
	promReg := prometheus.NewRegistry()
	r := NewRegistry(promReg)
	require.NotNil(t, r)

	r.LocksGranted.WithLabelValues("Exclusive").Inc()
	families, err := promReg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["hawkdlm_locks_granted_total"])
}

func TestNewRegistry_ConflictingNamesPanic(t *testing.T) {
	promReg := prometheus.NewRegistry()
	NewRegistry(promReg)

	assert.Panics(t, func() {
		NewRegistry(promReg) // same collector names registered twice
	})
}
