//go:build linux

package dataplane

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/nftables"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// nftTableName and the two set names are fixed: the gateway owns a single
// nftables table for its own marks, distinct from any host firewall.
const (
	nftTableName   = "magic_gw"
	controlSetName = "control_whitelist"
	dataSetName    = "data_whitelist"
)

// LinuxDataPlane programs nftables marks/sets and netlink policy routes
// directly, without shelling out — in-process use of the nftables netlink
// wire protocol and rtnetlink, the way the host network manager in the
// firewall-control reference repo manipulates links and addresses.
type LinuxDataPlane struct {
	mu     sync.Mutex
	nft    *nftables.Conn
	table  *nftables.Table
	chain  *nftables.Chain
	logger *zap.Logger

	routeRules map[uint32]netlink.Rule // mark -> installed ip-rule
}

// NewLinuxDataPlane opens an nftables connection and ensures the gateway's
// table and mangle chain exist.
func NewLinuxDataPlane(logger *zap.Logger) (*LinuxDataPlane, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("open nftables connection: %w", err)
	}
	d := &LinuxDataPlane{nft: conn, logger: logger, routeRules: make(map[uint32]netlink.Rule)}
	if err := d.ensureTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *LinuxDataPlane) ensureTable() error {
	d.table = d.nft.AddTable(&nftables.Table{Name: nftTableName, Family: nftables.TableFamilyINet})
	d.chain = d.nft.AddChain(&nftables.Chain{
		Name:     "mangle_out",
		Table:    d.table,
		Type:     nftables.ChainTypeRoute,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityMangle,
	})
	d.nft.AddSet(&nftables.Set{Name: controlSetName, Table: d.table, KeyType: nftables.TypeIPAddr})
	d.nft.AddSet(&nftables.Set{Name: dataSetName, Table: d.table, KeyType: nftables.TypeIPAddr})
	return d.nft.Flush()
}

// InstallRoute programs a source-routing rule: traffic marked with
// r.Mark is looked up in r.Table, which must already hold a default route
// out the DLM's interface; nothing in this repository creates that table
// or its default route.
func (d *LinuxDataPlane) InstallRoute(ctx context.Context, r Route) error {
	_, span := tracer.Start(ctx, "linux.InstallRoute")
	defer span.End()
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.routeRules[r.Mark]; ok {
		_ = netlink.RuleDel(&old)
	}
	rule := netlink.NewRule()
	rule.Mark = int(r.Mark)
	rule.Table = r.Table
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("add ip rule for mark %d: %w", r.Mark, err)
	}
	d.routeRules[r.Mark] = *rule
	return nil
}

// RemoveRoute deletes the policy-routing rule for a mark.
func (d *LinuxDataPlane) RemoveRoute(ctx context.Context, mark uint32) error {
	_, span := tracer.Start(ctx, "linux.RemoveRoute")
	defer span.End()
	d.mu.Lock()
	defer d.mu.Unlock()

	rule, ok := d.routeRules[mark]
	if !ok {
		return nil
	}
	if err := netlink.RuleDel(&rule); err != nil {
		return fmt.Errorf("delete ip rule for mark %d: %w", mark, err)
	}
	delete(d.routeRules, mark)
	return nil
}

// InstallTFT adds an nftables rule that sets the firewall mark for packets
// matching the TFT's classification predicates. The rule's mark value is
// the session's mark (a hash of session id, per §4.3), distinguishing its
// traffic from any other session sharing the same physical interface.
func (d *LinuxDataPlane) InstallTFT(ctx context.Context, rule TFTRule) error {
	_, span := tracer.Start(ctx, "linux.InstallTFT")
	defer span.End()
	d.mu.Lock()
	defer d.mu.Unlock()

	exprs, err := buildTFTExprs(rule)
	if err != nil {
		return err
	}
	d.nft.AddRule(&nftables.Rule{
		Table:    d.table,
		Chain:    d.chain,
		Exprs:    exprs,
		UserData: []byte(rule.SessionID),
	})
	return d.nft.Flush()
}

// RemoveTFT lists the mangle chain's rules and deletes every rule whose
// user data is sessionID. tftID is not consulted, so all of the session's
// TFT rules are removed together.
func (d *LinuxDataPlane) RemoveTFT(ctx context.Context, sessionID, tftID string) error {
	_, span := tracer.Start(ctx, "linux.RemoveTFT")
	defer span.End()
	d.mu.Lock()
	defer d.mu.Unlock()

	rules, err := d.nft.GetRules(d.table, d.chain)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	for _, r := range rules {
		if string(r.UserData) == sessionID {
			if err := d.nft.DelRule(r); err != nil {
				return fmt.Errorf("delete rule: %w", err)
			}
		}
	}
	return d.nft.Flush()
}

func (d *LinuxDataPlane) setElement(setName, cidr string, add bool) error {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		parsed := net.ParseIP(cidr)
		if parsed == nil {
			return fmt.Errorf("invalid address %q", cidr)
		}
		ip = parsed
	}
	set := &nftables.Set{Name: setName, Table: d.table}
	elems := []nftables.SetElement{{Key: ip.To4()}}
	if add {
		if err := d.nft.SetAddElements(set, elems); err != nil {
			return fmt.Errorf("add %s to %s: %w", cidr, setName, err)
		}
	} else {
		if err := d.nft.SetDeleteElements(set, elems); err != nil {
			return fmt.Errorf("remove %s from %s: %w", cidr, setName, err)
		}
	}
	return d.nft.Flush()
}

func (d *LinuxDataPlane) AllowControl(ctx context.Context, cidr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setElement(controlSetName, cidr, true)
}

func (d *LinuxDataPlane) AllowData(ctx context.Context, cidr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setElement(dataSetName, cidr, true)
}

func (d *LinuxDataPlane) DenyControl(ctx context.Context, cidr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setElement(controlSetName, cidr, false)
}

func (d *LinuxDataPlane) DenyData(ctx context.Context, cidr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setElement(dataSetName, cidr, false)
}

func (d *LinuxDataPlane) Close() error {
	return d.nft.CloseLasting()
}

var _ DataPlane = (*LinuxDataPlane)(nil)
