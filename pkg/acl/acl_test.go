package acl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyACLDefaultAllow(t *testing.T) {
	a := New(nil, false)
	assert.True(t, a.Allowed(net.ParseIP("1.2.3.4")))
}

func TestEmptyACLDefaultDeny(t *testing.T) {
	a := New(nil, true)
	assert.False(t, a.Allowed(net.ParseIP("1.2.3.4")))
}

func TestEntryAcceptsAndRejects(t *testing.T) {
	e, err := ParseEntry("10.0.0.0/8")
	require.NoError(t, err)
	a := New([]Entry{e}, true)

	assert.True(t, a.Allowed(net.ParseIP("10.1.2.3")))
	assert.False(t, a.Allowed(net.ParseIP("11.0.0.1")))
}

func TestFamilyIsolation(t *testing.T) {
	e6, err := ParseEntry("fe80::/10")
	require.NoError(t, err)
	a := New([]Entry{e6}, true)

	// A v6-only ACL entry must not accidentally admit v4 addresses.
	assert.True(t, a.Allowed(net.ParseIP("fe80::1")))
	assert.False(t, a.Allowed(net.ParseIP("192.168.1.1")))
}

func TestPrefixMaskNonByteAligned(t *testing.T) {
	e, err := ParseEntry("10.1.2.0/23")
	require.NoError(t, err)
	a := New([]Entry{e}, true)

	assert.True(t, a.Allowed(net.ParseIP("10.1.2.200")))
	assert.True(t, a.Allowed(net.ParseIP("10.1.3.1")))
	assert.False(t, a.Allowed(net.ParseIP("10.1.4.1")))
}

func TestParseEntryBareHost(t *testing.T) {
	e, err := ParseEntry("203.0.113.5")
	require.NoError(t, err)
	require.Equal(t, 32, e.Prefix)
	require.Equal(t, FamilyV4, e.Family)
}

func TestParseEntryBadSpec(t *testing.T) {
	_, err := ParseEntry("not-an-address/8")
	require.Error(t, err)
}

func TestParseEntriesStopsAtFirstBadSpec(t *testing.T) {
	_, err := ParseEntries([]string{"10.0.0.0/8", "garbage", "192.168.0.0/16"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "garbage")
}
