// Package logging builds the per-node structured logger. Every
// component in internal/ takes a *zap.Logger through its constructor;
// nothing here is a package-global.
package logging

import (
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a node-scoped logger. dev selects the human-readable
// development encoder over the JSON production one.
func New(node ids.NodeId, dev bool) (*zap.Logger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return base.With(zap.Int("node_id", int(node))), nil
}

// For derives a component-scoped child logger, e.g. For(base,
// "centralized") for the centralized engine's worker loop.
func For(base *zap.Logger, component string) *zap.Logger {
	return base.With(zap.String("component", component))
}
