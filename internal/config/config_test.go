package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_PassesValidateWithPeersFilled(t *testing.T) {
	cfg := Defaults()
	cfg.NumNodes = 2
	cfg.CentralizedNode = 1
	cfg.Peers = map[int]string{1: "localhost:9001", 2: "localhost:9002"}

	assert.NoError(t, cfg.Validate())
}

func TestValidate_MissingPeerRejected(t *testing.T) {
	cfg := Defaults()
	cfg.NumNodes = 2
	cfg.Peers = map[int]string{1: "localhost:9001"}

	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidate_CentralizedNodeOutOfRangeRejected(t *testing.T) {
	cfg := Defaults()
	cfg.NumNodes = 2
	cfg.CentralizedNode = 5
	cfg.Peers = map[int]string{1: "a", 2: "b"}

	assert.Error(t, cfg.Validate())
}

func TestValidate_UnknownModeRejected(t *testing.T) {
	cfg := Defaults()
	cfg.NumNodes = 1
	cfg.Peers = map[int]string{1: "a"}
	cfg.Mode = "Quantum"

	assert.Error(t, cfg.Validate())
}

func TestLoad_NoPathRejectedWithoutPeers(t *testing.T) {
	// Defaults() carries no peer addresses, so Load("") must surface the
	// same Validate failure a caller would get from Defaults().Validate()
	// rather than silently accepting an unusable config.
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hawkdlm.yaml")
	yaml := `
num_nodes: 2
deadlock_detection_mode: HAWK
centralized_node_id: 1
peers:
  1: "localhost:9001"
  2: "localhost:9002"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NumNodes)
	assert.Equal(t, ModeHAWK, cfg.Mode)
	assert.Equal(t, "localhost:9001", cfg.Peers[1])
	assert.Equal(t, "localhost:9002", cfg.Peers[2])
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	yaml := `
num_nodes: 2
peers:
  1: "localhost:9001"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	assert.Error(t, err, "missing peer for node 2 must fail validation")
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	cfg.DetectionIntervalMS = 2500
	assert.Equal(t, int64(2500), cfg.DetectionInterval().Milliseconds())
}
