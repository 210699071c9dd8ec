// Package acl implements the ordered CIDR-style admission list that
// governs NBD client connections. It mirrors the shape of
// pkg/policy.hostFilterPlugin in the teacher repo (ordered pattern match,
// default verdict on no match) but matches on address family and prefix
// bits rather than glob host patterns.
package acl

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/flexnbd/flexnbd/internal/errx"
)

// ErrBadSpec is returned when a textual CIDR entry cannot be parsed.
var ErrBadSpec = errors.New("acl: bad spec")

// Family identifies the address family an Entry matches against.
type Family int

const (
	// FamilyV4 matches only IPv4 addresses.
	FamilyV4 Family = iota
	// FamilyV6 matches only IPv6 addresses.
	FamilyV6
)

func (f Family) bits() int {
	if f == FamilyV4 {
		return 32
	}
	return 128
}

// Entry is a single CIDR-style predicate: family, address bytes, and a
// prefix length in [0, familyBits].
type Entry struct {
	Family  Family
	Address net.IP // family-normalized (4 or 16 bytes)
	Prefix  int
}

// ACL is an ordered, immutable sequence of Entry plus a default verdict.
// Replacement happens by atomic swap under the caller's lock (see
// pkg/server), never by in-place mutation.
type ACL struct {
	entries     []Entry
	defaultDeny bool
}

// New builds an ACL from already-parsed entries.
func New(entries []Entry, defaultDeny bool) *ACL {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &ACL{entries: cp, defaultDeny: defaultDeny}
}

// ParseEntry parses one textual CIDR entry, e.g. "10.0.0.0/8" or
// "fe80::/10". A bare address without a slash is treated as a /32 (v4)
// or /128 (v6) host entry.
func ParseEntry(spec string) (Entry, error) {
	spec = strings.TrimSpace(spec)
	addrPart, prefixPart, hasPrefix := strings.Cut(spec, "/")

	ip := net.ParseIP(addrPart)
	if ip == nil {
		return Entry{}, errx.With(ErrBadSpec, ": %q", spec)
	}

	var fam Family
	var normalized net.IP
	if v4 := ip.To4(); v4 != nil {
		fam = FamilyV4
		normalized = v4
	} else {
		fam = FamilyV6
		normalized = ip.To16()
	}

	prefix := fam.bits()
	if hasPrefix {
		p, err := strconv.Atoi(prefixPart)
		if err != nil || p < 0 || p > fam.bits() {
			return Entry{}, errx.With(ErrBadSpec, ": %q", spec)
		}
		prefix = p
	}

	return Entry{Family: fam, Address: normalized, Prefix: prefix}, nil
}

// ParseEntries parses a slice of textual CIDR entries, stopping at (and
// reporting) the first failure with the offending line, matching
// spec.md's "acl" control command error convention.
func ParseEntries(specs []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(specs))
	for _, spec := range specs {
		e, err := ParseEntry(spec)
		if err != nil {
			return nil, fmt.Errorf("bad spec: %s", spec)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Allowed reports whether addr is permitted by the ACL: true if any
// entry's prefix-length leading bits equal addr's corresponding bits;
// otherwise !defaultDeny (defaultDeny means "reject unless matched").
func (a *ACL) Allowed(addr net.IP) bool {
	if a == nil {
		return true
	}
	var fam Family
	var normalized net.IP
	if v4 := addr.To4(); v4 != nil {
		fam = FamilyV4
		normalized = v4
	} else {
		fam = FamilyV6
		normalized = addr.To16()
	}

	for _, e := range a.entries {
		if e.Family != fam {
			continue
		}
		if matchesPrefix(normalized, e.Address, e.Prefix) {
			return true
		}
	}
	return !a.defaultDeny
}

// matchesPrefix reports whether addr's leading prefixBits bits equal
// entryAddr's. Both must already be normalized to the same byte length.
//
// This replaces the source's `testbits % 8` masking, which the spec's
// design notes (§9) flag as a bug: with testbits a multiple of 8 it
// selects mask index 0 (all-clear), silently accepting mismatched
// trailing bytes. Correct behavior: a final partial-byte mask applies
// only when prefixBits is not itself byte-aligned.
func matchesPrefix(addr, entryAddr net.IP, prefixBits int) bool {
	fullBytes := prefixBits / 8
	remBits := prefixBits % 8

	if fullBytes > len(addr) || fullBytes > len(entryAddr) {
		return false
	}
	for i := 0; i < fullBytes; i++ {
		if addr[i] != entryAddr[i] {
			return false
		}
	}
	if remBits == 0 {
		return true
	}
	if fullBytes >= len(addr) || fullBytes >= len(entryAddr) {
		return false
	}
	mask := byte(0xff << uint(8-remBits))
	return addr[fullBytes]&mask == entryAddr[fullBytes]&mask
}

// Entries returns a copy of the ACL's entries, for status reporting.
func (a *ACL) Entries() []Entry {
	if a == nil {
		return nil
	}
	cp := make([]Entry, len(a.entries))
	copy(cp, a.entries)
	return cp
}

// DefaultDeny reports the ACL's configured default verdict.
func (a *ACL) DefaultDeny() bool {
	if a == nil {
		return false
	}
	return a.defaultDeny
}
