package invite

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/mr-karan/meridian/internal/keys"
	"github.com/mr-karan/meridian/internal/store"
	"github.com/stretchr/testify/require"
)

func TestFileEncodeParseRoundTrip(t *testing.T) {
	_, pub, err := keys.Generate()
	require.NoError(t, err)
	_, priv, err := keys.Generate()
	require.NoError(t, err)

	port := uint16(51820)
	var f File
	f.Server.ExternalEndpoint = "172.18.1.1:51820"
	f.Server.InternalEndpoint = "10.66.0.1:51820"
	f.Server.PublicKey = pub
	f.Server.NetworkCidr = "10.66.0.0/16"
	f.Interface.NetworkName = "evilcorp"
	f.Interface.Address = "10.66.1.1"
	f.Interface.ListenPort = &port
	f.Peer.PrivateKey = priv
	f.Peer.Name = "admin"

	parsed, err := Parse(f.Encode())
	require.NoError(t, err)
	require.Equal(t, f.Server.ExternalEndpoint, parsed.Server.ExternalEndpoint)
	require.Equal(t, f.Server.PublicKey, parsed.Server.PublicKey)
	require.Equal(t, f.Interface.Address, parsed.Interface.Address)
	require.Equal(t, *f.Interface.ListenPort, *parsed.Interface.ListenPort)
	require.Equal(t, f.Peer.PrivateKey, parsed.Peer.PrivateKey)
	require.Equal(t, f.Peer.Name, parsed.Peer.Name)
}

func TestCreateAndRedeem(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open("file::memory:?cache=shared", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, netw, err := net.ParseCIDR("10.66.1.0/24")
	require.NoError(t, err)
	cidr, err := st.CreateCIDR(ctx, "humans", *netw, nil, false)
	require.NoError(t, err)

	serverPub, _, err := keys.Generate()
	require.NoError(t, err)

	f, peer, err := Create(ctx, st, CreateRequest{
		Name:    "admin",
		CidrID:  cidr.ID,
		IsAdmin: false,
		TTL:     time.Hour,

		NetworkName:      "evilcorp",
		ExternalEndpoint: "172.18.1.1:51820",
		InternalEndpoint: "10.66.0.1:51820",
		ServerPublicKey:  serverPub,
		NetworkCidr:      "10.66.0.0/16",
	})
	require.NoError(t, err)
	require.Equal(t, "10.66.1.1", peer.IP.String())
	require.False(t, peer.IsRedeemed)

	invitationPub, err := keys.Public(f.Peer.PrivateKey)
	require.NoError(t, err)

	_, newPub, err := keys.Generate()
	require.NoError(t, err)

	redeemed, err := Redeem(ctx, st, invitationPub, newPub)
	require.NoError(t, err)
	require.True(t, redeemed.IsRedeemed)
	require.Equal(t, newPub, redeemed.PublicKey)
}
