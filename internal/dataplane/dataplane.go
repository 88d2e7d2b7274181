// Package dataplane programs the kernel's forwarding state for active
// sessions (C3): per-DLM policy routes, per-TFT firewall marks, and the
// two control/data whitelists that gate which flows even reach the
// marking rules. The interface mirrors the split the teacher NFs use
// between an abstract DataPlane contract and a concrete backend
// (simulated for tests, nftables+netlink for a real Linux box), generalized
// from the teacher's GTP-U/PFCP forwarding model to MAGIC's mark-and-route
// model.
package dataplane

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("magic-gateway/dataplane")

// Route describes one policy-routing rule: traffic marked with Mark is
// looked up in routing table Table and sent out via the DLM's gateway.
type Route struct {
	Mark  uint32
	Table int
	DLMID string
}

// TFTRule describes one firewall mark assignment keyed by session and TFT.
type TFTRule struct {
	SessionID    string
	Mark         uint32
	Protocol     string
	DestIPRange  string
	SrcPortRange string
	DstPortRange string
	Priority     uint8
}

// DataPlane is the contract the policy/session layer programs against.
// Implementations must not block the caller's session-store lock: all
// methods here are expected to perform real I/O and are always called
// with that lock already released (§5 concurrency invariant).
type DataPlane interface {
	// InstallRoute programs a mark -> table -> DLM route, replacing any
	// existing route for the same mark.
	InstallRoute(ctx context.Context, r Route) error
	// RemoveRoute tears down the route for a mark.
	RemoveRoute(ctx context.Context, mark uint32) error

	// InstallTFT programs a firewall mark rule for one session TFT.
	InstallTFT(ctx context.Context, rule TFTRule) error
	// RemoveTFT removes a previously installed TFT rule.
	RemoveTFT(ctx context.Context, sessionID, tftID string) error

	// AllowControl admits an address into the control-plane whitelist
	// (used for the authenticated client's source IP, §4.8 CAR/CCR).
	AllowControl(ctx context.Context, cidr string) error
	// AllowData admits an address into the data-plane whitelist (used
	// for a session's negotiated TFT destination ranges).
	AllowData(ctx context.Context, cidr string) error
	// DenyControl / DenyData reverse the Allow calls above.
	DenyControl(ctx context.Context, cidr string) error
	DenyData(ctx context.Context, cidr string) error

	// Close releases any held kernel resources (netlink sockets, nftables
	// connections).
	Close() error
}

// Simulated is an in-memory DataPlane used in tests and non-Linux
// development builds; it never touches the kernel.
type Simulated struct {
	mu       sync.Mutex
	routes   map[uint32]Route
	tfts     map[string]TFTRule // key: sessionID+"/"+mark
	control  map[string]bool
	data     map[string]bool
}

// NewSimulated constructs an empty Simulated dataplane.
func NewSimulated() *Simulated {
	return &Simulated{
		routes:  make(map[uint32]Route),
		tfts:    make(map[string]TFTRule),
		control: make(map[string]bool),
		data:    make(map[string]bool),
	}
}

func (s *Simulated) InstallRoute(ctx context.Context, r Route) error {
	_, span := tracer.Start(ctx, "simulated.InstallRoute")
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.Mark] = r
	return nil
}

func (s *Simulated) RemoveRoute(ctx context.Context, mark uint32) error {
	_, span := tracer.Start(ctx, "simulated.RemoveRoute")
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, mark)
	return nil
}

func (s *Simulated) ruleKey(sessionID, tftID string) string { return sessionID + "/" + tftID }

func (s *Simulated) InstallTFT(ctx context.Context, rule TFTRule) error {
	_, span := tracer.Start(ctx, "simulated.InstallTFT")
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tfts[s.ruleKey(rule.SessionID, fmt.Sprintf("%d", rule.Mark))] = rule
	return nil
}

func (s *Simulated) RemoveTFT(ctx context.Context, sessionID, tftID string) error {
	_, span := tracer.Start(ctx, "simulated.RemoveTFT")
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tfts, s.ruleKey(sessionID, tftID))
	return nil
}

func (s *Simulated) AllowControl(ctx context.Context, cidr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control[cidr] = true
	return nil
}

func (s *Simulated) AllowData(ctx context.Context, cidr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cidr] = true
	return nil
}

func (s *Simulated) DenyControl(ctx context.Context, cidr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.control, cidr)
	return nil
}

func (s *Simulated) DenyData(ctx context.Context, cidr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, cidr)
	return nil
}

func (s *Simulated) Close() error { return nil }

// RouteCount reports the number of installed routes, for tests.
func (s *Simulated) RouteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

// ControlAllowed reports whether cidr is currently in the control whitelist.
func (s *Simulated) ControlAllowed(cidr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control[cidr]
}

// DataAllowed reports whether cidr is currently in the data whitelist.
func (s *Simulated) DataAllowed(cidr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[cidr]
}
