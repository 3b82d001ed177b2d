package reconcile

import (
	"net"
	"testing"
	"time"

	"github.com/mr-karan/meridian/internal/device"
	"github.com/mr-karan/meridian/internal/keys"
	"github.com/stretchr/testify/require"
)

func TestSortPeersIsDeterministic(t *testing.T) {
	_, pubA, err := keys.Generate()
	require.NoError(t, err)
	_, pubB, err := keys.Generate()
	require.NoError(t, err)

	a := []device.PeerConfig{{PublicKey: pubB}, {PublicKey: pubA}}
	b := []device.PeerConfig{{PublicKey: pubA}, {PublicKey: pubB}}
	sortPeers(a)
	sortPeers(b)
	require.True(t, equalPeerConfigs(a, b))
}

func TestFullMask(t *testing.T) {
	require.Equal(t, net.CIDRMask(32, 32), fullMask(net.ParseIP("10.0.0.1")))
	require.Equal(t, net.CIDRMask(128, 128), fullMask(net.ParseIP("fd00::1")))
}

func TestSelectEndpointRotatesCandidatesWithoutRecentHandshake(t *testing.T) {
	l := NewLoop(Config{})
	candidates := []string{"1.1.1.1:51820", "2.2.2.2:51820", "3.3.3.3:51820"}

	require.Equal(t, "1.1.1.1:51820", l.selectEndpoint(7, nil, candidates))
	require.Equal(t, "2.2.2.2:51820", l.selectEndpoint(7, nil, candidates))
	require.Equal(t, "3.3.3.3:51820", l.selectEndpoint(7, nil, candidates))
	require.Equal(t, "1.1.1.1:51820", l.selectEndpoint(7, nil, candidates), "cursor wraps around")
}

func TestSelectEndpointPrefersConfirmedWhenRecent(t *testing.T) {
	l := NewLoop(Config{})
	confirmed := "9.9.9.9:51820"
	candidates := []string{"1.1.1.1:51820", "2.2.2.2:51820"}

	l.selectEndpoint(7, nil, candidates) // advance the cursor once
	l.lastHandshake[7] = time.Now()

	require.Equal(t, confirmed, l.selectEndpoint(7, &confirmed, candidates))
	require.Equal(t, 0, l.cursor[7], "cursor resets once the handshake is recent")

	l.lastHandshake[7] = time.Now().Add(-2 * recentHandshakeWindow) // the peer goes quiet again
	require.Equal(t, "1.1.1.1:51820", l.selectEndpoint(7, nil, candidates), "rotation restarts from the beginning")
}

func TestSelectEndpointFallsBackToConfirmedWithNoCandidates(t *testing.T) {
	l := NewLoop(Config{})
	confirmed := "9.9.9.9:51820"
	require.Equal(t, confirmed, l.selectEndpoint(7, &confirmed, nil))
}
