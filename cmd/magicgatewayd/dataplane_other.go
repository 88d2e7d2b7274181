//go:build !linux

package main

import (
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/dataplane"
)

// newDataPlane falls back to the Simulated backend on non-Linux build
// targets, since the real backend needs nftables and netlink.
func newDataPlane(simulate bool, logger *zap.Logger) (dataplane.DataPlane, error) {
	logger.Info("dataplane: using simulated backend (non-linux build)")
	return dataplane.NewSimulated(), nil
}
