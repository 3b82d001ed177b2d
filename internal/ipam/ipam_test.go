package ipam

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCIDR(t *testing.T, s string) net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return *n
}

func TestNextFreeSkipsNetworkAndBroadcast(t *testing.T) {
	cidr := mustCIDR(t, "10.66.1.0/24")
	ip, err := NextFree(cidr, nil)
	require.NoError(t, err)
	require.Equal(t, "10.66.1.1", ip.String())
}

func TestNextFreeSkipsTaken(t *testing.T) {
	cidr := mustCIDR(t, "10.66.1.0/24")
	taken := []net.IP{net.ParseIP("10.66.1.1")}
	ip, err := NextFree(cidr, taken)
	require.NoError(t, err)
	require.Equal(t, "10.66.1.2", ip.String())
}

func TestNextFreeExhausted(t *testing.T) {
	cidr := mustCIDR(t, "10.66.1.0/30")
	taken := []net.IP{net.ParseIP("10.66.1.1"), net.ParseIP("10.66.1.2")}
	_, err := NextFree(cidr, taken)
	require.ErrorIs(t, err, ErrExhaustedCidr)
}

func TestNextFreePointToPoint(t *testing.T) {
	cidr := mustCIDR(t, "10.66.1.0/31")
	ip, err := NextFree(cidr, nil)
	require.NoError(t, err)
	require.Equal(t, "10.66.1.0", ip.String())
}

func TestContains(t *testing.T) {
	parent := mustCIDR(t, "10.66.0.0/16")
	child := mustCIDR(t, "10.66.1.0/24")
	require.True(t, Contains(parent, child))
	require.False(t, Contains(child, parent))
}

func TestOverlaps(t *testing.T) {
	a := mustCIDR(t, "10.66.1.0/24")
	b := mustCIDR(t, "10.66.1.128/25")
	require.True(t, Overlaps(a, b))

	c := mustCIDR(t, "10.66.2.0/24")
	require.False(t, Overlaps(a, c))
}
