package store

import (
	"net"
	"time"

	"github.com/mr-karan/meridian/internal/keys"
)

// Cidr is a named IP prefix and a node in the CIDR forest (spec §3).
type Cidr struct {
	ID       uint64     `json:"id"`
	Name     string     `json:"name"`
	Cidr     net.IPNet  `json:"cidr"`
	ParentID *uint64    `json:"parent_id,omitempty"`
	IsInfra  bool       `json:"is_infra"`
}

// Peer is a keyed network participant with exactly one IP (spec §3).
type Peer struct {
	ID                  uint64     `json:"id"`
	Name                string     `json:"name"`
	PublicKey           keys.Key   `json:"public_key"`
	IP                  net.IP     `json:"ip"`
	CidrID              uint64     `json:"cidr_id"`
	IsAdmin             bool       `json:"is_admin"`
	IsDisabled          bool       `json:"is_disabled"`
	IsRedeemed          bool       `json:"is_redeemed"`
	InviteExpires       *time.Time `json:"invite_expires,omitempty"`
	Endpoint            *string    `json:"endpoint,omitempty"`
	PersistentKeepalive *uint16    `json:"persistent_keepalive,omitempty"`
	Candidates          []string   `json:"candidates"`
	LastHandshake       *time.Time `json:"last_handshake,omitempty"`
}

// Association is an unordered pair of CIDRs whose peers may exchange
// packets. CidrAID is always the smaller id (spec §3).
type Association struct {
	ID      uint64 `json:"id"`
	CidrAID uint64 `json:"cidr_a_id"`
	CidrBID uint64 `json:"cidr_b_id"`
}

// State is an immutable snapshot of the whole network, returned by Store.Snapshot.
type State struct {
	Cidrs        []Cidr
	Peers        []Peer
	Associations []Association
}

// CidrByID returns the cidr with id, or (Cidr{}, false).
func (s State) CidrByID(id uint64) (Cidr, bool) {
	for _, c := range s.Cidrs {
		if c.ID == id {
			return c, true
		}
	}
	return Cidr{}, false
}

// PeerByID returns the peer with id, or (Peer{}, false).
func (s State) PeerByID(id uint64) (Peer, bool) {
	for _, p := range s.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// PeerByPublicKey returns the peer with the given public key, or (Peer{}, false).
func (s State) PeerByPublicKey(k keys.Key) (Peer, bool) {
	for _, p := range s.Peers {
		if p.PublicKey == k {
			return p, true
		}
	}
	return Peer{}, false
}

// PeerByIP returns the peer whose IP matches ip, or (Peer{}, false).
func (s State) PeerByIP(ip net.IP) (Peer, bool) {
	for _, p := range s.Peers {
		if p.IP.Equal(ip) {
			return p, true
		}
	}
	return Peer{}, false
}

// InfraCidr returns the infra CIDR of the network, or (Cidr{}, false).
func (s State) InfraCidr() (Cidr, bool) {
	for _, c := range s.Cidrs {
		if c.IsInfra {
			return c, true
		}
	}
	return Cidr{}, false
}

// RootCidr returns the root CIDR (no parent), or (Cidr{}, false).
func (s State) RootCidr() (Cidr, bool) {
	for _, c := range s.Cidrs {
		if c.ParentID == nil {
			return c, true
		}
	}
	return Cidr{}, false
}
