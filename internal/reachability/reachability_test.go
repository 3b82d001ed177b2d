package reachability

import (
	"testing"

	"github.com/mr-karan/meridian/internal/store"
	"github.com/stretchr/testify/require"
)

func redeemedPeer(id, cidrID uint64) store.Peer {
	return store.Peer{ID: id, CidrID: cidrID, IsRedeemed: true}
}

func TestInfraUniversallyReachable(t *testing.T) {
	st := store.State{
		Cidrs: []store.Cidr{
			{ID: 1, IsInfra: true},
			{ID: 2},
			{ID: 3},
		},
		Peers: []store.Peer{
			redeemedPeer(100, 1), // infra peer (the server)
			redeemedPeer(200, 2), // humans
			redeemedPeer(300, 3), // robots, unassociated with humans
		},
	}
	vis := Compute(st)

	require.True(t, vis.CanSee(200, 100))
	require.True(t, vis.CanSee(100, 200))
	require.True(t, vis.CanSee(300, 100))
	require.True(t, vis.CanSee(100, 300))
	// humans and robots are not associated and not infra
	require.False(t, vis.CanSee(200, 300))
}

func TestAssociationScopeIsSymmetricAndNotTransitive(t *testing.T) {
	st := store.State{
		Cidrs: []store.Cidr{
			{ID: 1, IsInfra: true},
			{ID: 2}, // humans
			{ID: 3}, // robots
			{ID: 4}, // vendors
		},
		Associations: []store.Association{
			{CidrAID: 2, CidrBID: 3}, // humans <-> robots only
		},
		Peers: []store.Peer{
			redeemedPeer(10, 2),
			redeemedPeer(20, 3),
			redeemedPeer(30, 4),
		},
	}
	vis := Compute(st)

	require.True(t, vis.CanSee(10, 20))
	require.True(t, vis.CanSee(20, 10), "reachability must be symmetric")
	require.False(t, vis.CanSee(10, 30), "vendors is not associated with humans")
	require.False(t, vis.CanSee(20, 30), "association is not transitive via a third party")
}

func TestDisabledPeerIsInvisible(t *testing.T) {
	st := store.State{
		Cidrs: []store.Cidr{{ID: 1}},
		Peers: []store.Peer{
			redeemedPeer(1, 1),
			{ID: 2, CidrID: 1, IsRedeemed: true, IsDisabled: true},
		},
	}
	vis := Compute(st)
	require.False(t, vis.CanSee(1, 2))
	require.False(t, vis.CanSee(2, 1))
}

func TestUnredeemedPeerExcluded(t *testing.T) {
	st := store.State{
		Cidrs: []store.Cidr{{ID: 1}},
		Peers: []store.Peer{
			redeemedPeer(1, 1),
			{ID: 2, CidrID: 1, IsRedeemed: false},
		},
	}
	vis := Compute(st)
	require.False(t, vis.CanSee(1, 2))
}

func TestSelfVisible(t *testing.T) {
	st := store.State{
		Cidrs: []store.Cidr{{ID: 1}},
		Peers: []store.Peer{redeemedPeer(1, 1)},
	}
	vis := Compute(st)
	require.True(t, vis.CanSee(1, 1))
}
