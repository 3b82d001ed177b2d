// Package reachability computes, from the CIDR forest and the association
// set, the per-peer allowed-peers visibility used to build each WireGuard
// device's desired peer set (spec §4.3).
package reachability

import (
	"sync"

	"github.com/mr-karan/meridian/internal/store"
)

// Visibility maps a peer id to the set of peer ids it may contact.
type Visibility map[uint64]map[uint64]bool

// CanSee reports whether peer `from` may contact peer `to`.
func (v Visibility) CanSee(from, to uint64) bool {
	return v[from] != nil && v[from][to]
}

// Compute derives the visibility relation from the current state, applying
// spec §4.3's four rules over non-disabled, redeemed peers.
func Compute(st store.State) Visibility {
	active := make(map[uint64]store.Peer)
	for _, p := range st.Peers {
		if p.IsDisabled || !p.IsRedeemed {
			continue
		}
		active[p.ID] = p
	}

	infraCidrID := uint64(0)
	if infra, ok := st.InfraCidr(); ok {
		infraCidrID = infra.ID
	}

	associated := make(map[[2]uint64]bool)
	for _, a := range st.Associations {
		associated[[2]uint64{a.CidrAID, a.CidrBID}] = true
	}
	cidrsAssociated := func(a, b uint64) bool {
		if a == b {
			return true
		}
		lo, hi := a, b
		if lo > hi {
			lo, hi = hi, lo
		}
		return associated[[2]uint64{lo, hi}]
	}

	vis := make(Visibility, len(active))
	for _, p := range active {
		seen := make(map[uint64]bool, len(active))
		for _, other := range active {
			switch {
			case other.ID == p.ID:
				seen[other.ID] = true // rule 4: a peer always sees itself
			case other.CidrID == infraCidrID || p.CidrID == infraCidrID:
				seen[other.ID] = true // rule 2: infra is universally reachable
			case other.CidrID == p.CidrID:
				seen[other.ID] = true // rule 1: same cidr
			case cidrsAssociated(p.CidrID, other.CidrID):
				seen[other.ID] = true // rule 3: explicit association
			}
		}
		vis[p.ID] = seen
	}
	return vis
}

// VisiblePeers returns the peers that forPeer may contact, per Compute's
// Visibility, excluding forPeer itself (the shape the coordination API's
// GET state handler returns to a caller).
func VisiblePeers(st store.State, vis Visibility, forPeer uint64) []store.Peer {
	out := make([]store.Peer, 0, len(st.Peers))
	for _, p := range st.Peers {
		if p.ID == forPeer {
			continue
		}
		if vis.CanSee(forPeer, p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// Cache memoizes Compute (spec §4.3/§5). The API handlers invalidate it after
// writes that can change visibility (peer create/redeem/enable/disable, cidr
// create/delete, association create/delete); other writes (renames, endpoint,
// candidate and listen-port updates) leave it in place, and Get also recomputes when a
// snapshot differs from the cached one per sameGeneration. Grounded on the
// teacher's sync.RWMutex-guarded registry maps.
type Cache struct {
	mu  sync.RWMutex
	vis Visibility
	st  store.State
	set bool
}

// Get returns the cached visibility for st, recomputing if st differs from
// what's cached (a cheap generation-less approach: callers invalidate by
// calling Get with a freshly pulled snapshot right after a write).
func (c *Cache) Get(st store.State) Visibility {
	c.mu.RLock()
	if c.set && sameGeneration(c.st, st) {
		vis := c.vis
		c.mu.RUnlock()
		return vis
	}
	c.mu.RUnlock()

	vis := Compute(st)
	c.mu.Lock()
	c.st, c.vis, c.set = st, vis, true
	c.mu.Unlock()
	return vis
}

// Invalidate forces the next Get to recompute regardless of snapshot identity.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.set = false
	c.mu.Unlock()
}

// sameGeneration is a cheap structural-identity check: same peer/cidr/
// association counts and the same peer disabled/redeemed bits. Good enough
// to skip recomputation between reads that share a snapshot; writes that
// can change visibility call Invalidate explicitly.
func sameGeneration(a, b store.State) bool {
	if len(a.Peers) != len(b.Peers) || len(a.Cidrs) != len(b.Cidrs) || len(a.Associations) != len(b.Associations) {
		return false
	}
	for i := range a.Peers {
		if a.Peers[i].IsDisabled != b.Peers[i].IsDisabled || a.Peers[i].IsRedeemed != b.Peers[i].IsRedeemed {
			return false
		}
	}
	return true
}
