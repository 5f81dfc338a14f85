// Package config loads the fixed-at-start configuration for a hawkdlm
// node: cluster topology, the selected detection mode, and the periods
// and thresholds that govern the detection engines.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DetectionMode selects which deadlock-detection engine a node runs.
type DetectionMode string

const (
	ModeNone          DetectionMode = "None"
	ModeCentralized   DetectionMode = "Centralized"
	ModeHAWK          DetectionMode = "HAWK"
	ModePathPushing   DetectionMode = "PathPushing"
)

// Config is the full set of values enumerated in spec §6. All fields
// are immutable for the lifetime of a node; there is no dynamic
// membership or mode change.
type Config struct {
	NumNodes         int               `mapstructure:"num_nodes"`
	ResourcesPerNode int               `mapstructure:"resources_per_node"`
	CentralizedNode  int               `mapstructure:"centralized_node_id"`
	Mode             DetectionMode     `mapstructure:"deadlock_detection_mode"`

	DetectionIntervalMS int `mapstructure:"deadlock_detection_interval_ms"`
	PAGSampleIntervalMS int `mapstructure:"pag_sample_interval_ms"`
	CheckIntervalMS     int `mapstructure:"check_interval_ms"`
	ZoneLeaderPeriodMS  int `mapstructure:"zone_leader_period_ms"`

	SCCCutThreshold int     `mapstructure:"scc_cut_threshold"`
	RThreshold      float64 `mapstructure:"r_threshold"`

	MaxConcurrentTransactionsPerNode int `mapstructure:"max_concurrent_transactions_per_node"`

	// Peers maps NodeId (1-based) to "host:port" listen addresses for
	// every node in the cluster, including this node's own address.
	Peers map[int]string `mapstructure:"peers"`
}

// Defaults returns a Config with the values the original source used
// as constants, before any file/flag overrides are applied.
func Defaults() Config {
	return Config{
		NumNodes:                         3,
		ResourcesPerNode:                 1000,
		CentralizedNode:                  1,
		Mode:                             ModeCentralized,
		DetectionIntervalMS:              2000,
		PAGSampleIntervalMS:              3000,
		CheckIntervalMS:                  5000,
		ZoneLeaderPeriodMS:               3000,
		SCCCutThreshold:                  2,
		RThreshold:                       1.0,
		MaxConcurrentTransactionsPerNode: 64,
		Peers:                            map[int]string{},
	}
}

// Load reads a YAML configuration file (if path is non-empty) on top
// of Defaults, via viper, matching the layered-config style used
// elsewhere in the retrieved corpus for long-running services.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("num_nodes", cfg.NumNodes)
	v.SetDefault("resources_per_node", cfg.ResourcesPerNode)
	v.SetDefault("centralized_node_id", cfg.CentralizedNode)
	v.SetDefault("deadlock_detection_mode", string(cfg.Mode))
	v.SetDefault("deadlock_detection_interval_ms", cfg.DetectionIntervalMS)
	v.SetDefault("pag_sample_interval_ms", cfg.PAGSampleIntervalMS)
	v.SetDefault("check_interval_ms", cfg.CheckIntervalMS)
	v.SetDefault("zone_leader_period_ms", cfg.ZoneLeaderPeriodMS)
	v.SetDefault("scc_cut_threshold", cfg.SCCCutThreshold)
	v.SetDefault("r_threshold", cfg.RThreshold)
	v.SetDefault("max_concurrent_transactions_per_node", cfg.MaxConcurrentTransactionsPerNode)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants §6 assumes are held before a node
// starts: a resolvable centralized node, a known detection mode, and a
// peer address for every node in [1, NumNodes].
func (c Config) Validate() error {
	if c.NumNodes <= 0 {
		return fmt.Errorf("config: num_nodes must be positive, got %d", c.NumNodes)
	}
	if c.ResourcesPerNode <= 0 {
		return fmt.Errorf("config: resources_per_node must be positive, got %d", c.ResourcesPerNode)
	}
	if c.CentralizedNode < 1 || c.CentralizedNode > c.NumNodes {
		return fmt.Errorf("config: centralized_node_id %d out of range [1,%d]", c.CentralizedNode, c.NumNodes)
	}
	switch c.Mode {
	case ModeNone, ModeCentralized, ModeHAWK, ModePathPushing:
	default:
		return fmt.Errorf("config: unknown deadlock_detection_mode %q", c.Mode)
	}
	for n := 1; n <= c.NumNodes; n++ {
		if _, ok := c.Peers[n]; !ok {
			return fmt.Errorf("config: missing peer address for node %d", n)
		}
	}
	return nil
}

func (c Config) DetectionInterval() time.Duration { return time.Duration(c.DetectionIntervalMS) * time.Millisecond }
func (c Config) PAGSampleInterval() time.Duration { return time.Duration(c.PAGSampleIntervalMS) * time.Millisecond }
func (c Config) CheckInterval() time.Duration     { return time.Duration(c.CheckIntervalMS) * time.Millisecond }
func (c Config) ZoneLeaderPeriod() time.Duration  { return time.Duration(c.ZoneLeaderPeriodMS) * time.Millisecond }
