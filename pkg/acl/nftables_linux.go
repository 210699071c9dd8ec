//go:build linux

package acl

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/flexnbd/flexnbd/internal/errx"
)

// ErrNFTablesSync is returned when the best-effort kernel firewall sync
// fails. Callers should log and continue serving: the spec's ACL is the
// authoritative admission check (§3); nftables sync is defense-in-depth
// only, matching how the teacher's pkg/net/nftables.go treats the
// firewall as an additional layer rather than the source of truth.
var ErrNFTablesSync = errors.New("acl: nftables sync")

const (
	tableName = "flexnbd"
	chainName = "input"
)

// NFTablesSync mirrors an ACL's v4 allow entries into a host nftables
// table so the admission decision is also enforced at the packet-filter
// layer, independent of this process continuing to run. It is optional:
// server startup does not fail if nftables is unavailable (see
// pkg/server), mirroring DESIGN.md's rationale for keeping nftables wired
// to this component rather than dropping it from the dependency set.
type NFTablesSync struct {
	port uint16
}

// NewNFTablesSync prepares a syncer for the NBD listen port.
func NewNFTablesSync(port uint16) *NFTablesSync {
	return &NFTablesSync{port: port}
}

// Apply replaces the flexnbd nftables table's input chain with one rule
// per allowed v4 entry in a, plus a default policy matching a's
// DefaultDeny. Safe to call repeatedly; each call starts from a fresh
// table.
func (s *NFTablesSync) Apply(a *ACL) error {
	conn, err := nftables.New()
	if err != nil {
		return errx.Wrap(ErrNFTablesSync, err)
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName,
	})

	policy := nftables.ChainPolicyAccept
	if a.DefaultDeny() {
		policy = nftables.ChainPolicyDrop
	}

	chain := conn.AddChain(&nftables.Chain{
		Name:     chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	for _, e := range a.Entries() {
		if e.Family != FamilyV4 {
			continue
		}
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: acceptSourceRule(e.Address, e.Prefix, s.port),
		})
	}

	if err := conn.Flush(); err != nil {
		return errx.Wrap(ErrNFTablesSync, err)
	}
	return nil
}

func acceptSourceRule(addr net.IP, prefixBits int, port uint16) []expr.Any {
	mask := net.CIDRMask(prefixBits, 32)
	masked := addr.Mask(mask)

	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           []byte(mask),
			Xor:            make([]byte, 4),
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(masked)},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: uint16be(port)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func uint16be(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// Describe returns a human string summarizing what Apply would install,
// useful for --dry-run style diagnostics.
func (s *NFTablesSync) Describe(a *ACL) string {
	v4 := 0
	for _, e := range a.Entries() {
		if e.Family == FamilyV4 {
			v4++
		}
	}
	return fmt.Sprintf("nftables table %s: %d v4 entries, default=%v", tableName, v4, a.DefaultDeny())
}
