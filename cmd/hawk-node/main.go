// Command hawk-node runs one participant in a hawkdlm cluster: the
// server mode of spec §6's "two invocations only" ("server mode with a
// node id, client mode with a server node id to connect to").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hawkdlm/hawkdlm/internal/config"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/logging"
	"github.com/hawkdlm/hawkdlm/internal/metrics"
	"github.com/hawkdlm/hawkdlm/internal/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		nodeID     int
		configPath string
		auditPath  string
		dev        bool
	)

	root := &cobra.Command{
		Use:   "hawk-node",
		Short: "Run one node of a hawkdlm distributed lock manager cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(nodeID, configPath, auditPath, dev)
		},
	}
	root.Flags().IntVar(&nodeID, "node", 0, "this node's id (1-based, required)")
	root.Flags().StringVar(&configPath, "config", "", "path to the cluster YAML config file")
	root.Flags().StringVar(&auditPath, "audit-db", "", "path to this node's bolt audit log (empty disables it)")
	root.Flags().BoolVar(&dev, "dev", false, "use the human-readable development log encoder")
	_ = root.MarkFlagRequired("node")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(nodeID int, configPath, auditPath string, dev bool) error {
	if nodeID <= 0 {
		return fmt.Errorf("hawk-node: --node must be a positive integer")
	}
	self := ids.NodeId(nodeID)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("hawk-node: %w", err)
	}

	log, err := logging.New(self, dev)
	if err != nil {
		return fmt.Errorf("hawk-node: building logger: %w", err)
	}
	defer log.Sync()

	m := metrics.NewRegistry(prometheus.DefaultRegisterer)

	n, err := node.New(self, cfg, auditPath, log, m)
	if err != nil {
		return fmt.Errorf("hawk-node: %w", err)
	}
	defer n.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("node starting", zap.Int("node_id", int(self)), zap.String("mode", string(cfg.Mode)))
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("hawk-node: %w", err)
	}
	log.Info("node stopped")
	return nil
}
