package store

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/mr-karan/meridian/internal/errs"
	"github.com/mr-karan/meridian/internal/keys"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCIDR(t *testing.T, s string) net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return *n
}

func bootstrapNetwork(t *testing.T, s *Store) (root, infra, humans Cidr) {
	t.Helper()
	ctx := context.Background()
	var err error
	root, err = s.CreateCIDR(ctx, "evilcorp", mustCIDR(t, "10.66.0.0/16"), nil, false)
	require.NoError(t, err)
	infra, err = s.CreateCIDR(ctx, "infra", mustCIDR(t, "10.66.0.0/24"), &root.ID, true)
	require.NoError(t, err)
	humans, err = s.CreateCIDR(ctx, "humans", mustCIDR(t, "10.66.1.0/24"), &root.ID, false)
	require.NoError(t, err)
	return
}

func TestCreateCIDRInvariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root, infra, _ := bootstrapNetwork(t, s)
	require.True(t, infra.IsInfra)

	// sibling overlap rejected
	_, err := s.CreateCIDR(ctx, "robots", mustCIDR(t, "10.66.0.128/25"), &root.ID, false)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.Conflict, e.Kind)

	// duplicate name rejected
	_, err = s.CreateCIDR(ctx, "humans", mustCIDR(t, "10.66.2.0/24"), &root.ID, false)
	require.Error(t, err)

	// child not contained in parent rejected
	_, err = s.CreateCIDR(ctx, "outside", mustCIDR(t, "10.67.0.0/24"), &root.ID, false)
	require.Error(t, err)
}

func TestInviteReissueAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, humans := bootstrapNetwork(t, s)

	_, pub1, err := keys.Generate()
	require.NoError(t, err)
	ip := net.ParseIP("10.66.1.100")

	_, err = s.CreatePendingPeer(ctx, "peer3", pub1, humans.ID, ip, false, 1*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, pub2, err := keys.Generate()
	require.NoError(t, err)
	_, err = s.CreatePendingPeer(ctx, "peer3", pub2, humans.ID, ip, false, 30*time.Minute)
	require.NoError(t, err, "reissue with same name/ip must succeed once the first invitation expired")
}

func TestRedeemIsOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, humans := bootstrapNetwork(t, s)

	_, placeholder, err := keys.Generate()
	require.NoError(t, err)
	_, err = s.CreatePendingPeer(ctx, "peer4", placeholder, humans.ID, nil, false, time.Hour)
	require.NoError(t, err)

	_, newKey, err := keys.Generate()
	require.NoError(t, err)
	_, err = s.RedeemPeer(ctx, placeholder, newKey)
	require.NoError(t, err)

	_, otherKey, err := keys.Generate()
	require.NoError(t, err)
	_, err = s.RedeemPeer(ctx, placeholder, otherKey)
	require.Error(t, err, "second redeem of the same invitation must fail")
}

func TestDeleteCIDRRequiresEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root, _, humans := bootstrapNetwork(t, s)

	err := s.DeleteCIDR(ctx, humans.ID)
	require.NoError(t, err)

	err = s.DeleteCIDR(ctx, root.ID)
	require.Error(t, err, "root still has the infra child")
}
