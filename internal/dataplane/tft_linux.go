//go:build linux

package dataplane

import (
	"fmt"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// buildTFTExprs renders a TFTRule into an nftables expression chain that
// matches the rule's L4 protocol (tcp or udp; "" and "any" match every
// protocol) and sets the packet mark (meta mark) to the session's mark
// value. Source/destination ports and the destination IP range are not
// matched: every packet of the chosen protocol gets the mark.
func buildTFTExprs(rule TFTRule) ([]expr.Any, error) {
	var protoNum uint8
	switch rule.Protocol {
	case "tcp":
		protoNum = unix.IPPROTO_TCP
	case "udp":
		protoNum = unix.IPPROTO_UDP
	case "", "any":
		protoNum = 0
	default:
		return nil, fmt.Errorf("unsupported protocol %q", rule.Protocol)
	}

	exprs := []expr.Any{}
	if protoNum != 0 {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{protoNum}},
		)
	}

	exprs = append(exprs,
		&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(rule.Mark)},
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1, SourceRegister: true},
	)
	return exprs, nil
}
