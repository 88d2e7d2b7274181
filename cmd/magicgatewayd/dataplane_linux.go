//go:build linux

package main

import (
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/dataplane"
)

// newDataPlane builds the real nftables/netlink-backed dataplane on Linux,
// falling back to the in-memory Simulated backend when --simulate-dataplane
// is set (useful for running the binary in a container without NET_ADMIN).
func newDataPlane(simulate bool, logger *zap.Logger) (dataplane.DataPlane, error) {
	if simulate {
		logger.Info("dataplane: using simulated backend (--simulate-dataplane)")
		return dataplane.NewSimulated(), nil
	}
	logger.Info("dataplane: using nftables/netlink backend")
	return dataplane.NewLinuxDataPlane(logger)
}
