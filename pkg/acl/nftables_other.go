//go:build !linux

package acl

// NFTablesSync is a no-op stand-in on platforms without nftables (the
// kernel packet-filter sync is Linux-only defense-in-depth; the
// in-process ACL in pkg/acl remains the authoritative check
// everywhere). Mirrors the build-tag split the teacher uses for
// platform-specific syscalls (see cmd/matchlock/sysinfo_darwin.go).
type NFTablesSync struct{}

// NewNFTablesSync returns a syncer whose Apply is always a no-op.
func NewNFTablesSync(port uint16) *NFTablesSync {
	return &NFTablesSync{}
}

// Apply does nothing on this platform.
func (s *NFTablesSync) Apply(a *ACL) error { return nil }

// Describe reports that nftables sync is unavailable here.
func (s *NFTablesSync) Describe(a *ACL) string {
	return "nftables sync unavailable on this platform"
}
