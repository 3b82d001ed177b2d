package store

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/mr-karan/meridian/internal/errs"
	"github.com/mr-karan/meridian/internal/ipam"
	"github.com/mr-karan/meridian/internal/keys"
)

// CreateCIDR creates a new CIDR node. parentID nil means root.
func (s *Store) CreateCIDR(ctx context.Context, name string, cidr net.IPNet, parentID *uint64, isInfra bool) (Cidr, error) {
	var created Cidr
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		for _, c := range st.Cidrs {
			if c.Name == name {
				return errs.New(errs.Conflict, "cidr name already in use")
			}
		}
		if parentID != nil {
			parent, ok := st.CidrByID(*parentID)
			if !ok {
				return errs.New(errs.NotFound, "parent cidr not found")
			}
			if !ipam.Contains(parent.Cidr, cidr) {
				return errs.New(errs.Invalid, "cidr must be contained in parent")
			}
			for _, c := range st.Cidrs {
				if c.ParentID != nil && *c.ParentID == *parentID && ipam.Overlaps(c.Cidr, cidr) {
					return errs.New(errs.Conflict, "cidr overlaps a sibling")
				}
			}
			if parent.IsInfra {
				return errs.New(errs.Invalid, "infra cidr may not have children")
			}
		} else {
			for _, c := range st.Cidrs {
				if c.ParentID == nil {
					return errs.New(errs.Conflict, "root cidr already exists")
				}
			}
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO cidrs (name, cidr, parent_id, is_infra) VALUES (?, ?, ?, ?)`,
			name, cidr.String(), nullableID(parentID), boolToInt(isInfra))
		if err != nil {
			return errs.Wrap(errs.Transient, "insert cidr", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errs.Wrap(errs.Transient, "read inserted cidr id", err)
		}
		created = Cidr{ID: uint64(id), Name: name, Cidr: cidr, ParentID: parentID, IsInfra: isInfra}
		return nil
	})
	return created, err
}

// RenameCIDR changes a CIDR's name, enforcing network-wide uniqueness.
func (s *Store) RenameCIDR(ctx context.Context, id uint64, newName string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := st.CidrByID(id); !ok {
			return errs.New(errs.NotFound, "cidr not found")
		}
		for _, c := range st.Cidrs {
			if c.ID != id && c.Name == newName {
				return errs.New(errs.Conflict, "cidr name already in use")
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE cidrs SET name = ? WHERE id = ?`, newName, id)
		if err != nil {
			return errs.Wrap(errs.Transient, "rename cidr", err)
		}
		return nil
	})
}

// DeleteCIDR removes a CIDR iff it has no peers, no children and no
// associations (spec invariant 5).
func (s *Store) DeleteCIDR(ctx context.Context, id uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := st.CidrByID(id); !ok {
			return errs.New(errs.NotFound, "cidr not found")
		}
		for _, p := range st.Peers {
			if p.CidrID == id {
				return errs.New(errs.Conflict, "cidr has peers")
			}
		}
		for _, c := range st.Cidrs {
			if c.ParentID != nil && *c.ParentID == id {
				return errs.New(errs.Conflict, "cidr has children")
			}
		}
		for _, a := range st.Associations {
			if a.CidrAID == id || a.CidrBID == id {
				return errs.New(errs.Conflict, "cidr has associations")
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cidrs WHERE id = ?`, id); err != nil {
			return errs.Wrap(errs.Transient, "delete cidr", err)
		}
		return nil
	})
}

// CreatePendingPeer allocates an IP (if ip is nil) and creates a pending
// (unredeemed) peer row per spec §4.4.
func (s *Store) CreatePendingPeer(ctx context.Context, name string, placeholderKey keys.Key, cidrID uint64, ip net.IP, isAdmin bool, inviteTTL time.Duration) (Peer, error) {
	var created Peer
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := validateHostname(name); err != nil {
			return err
		}
		if inviteTTL <= 0 {
			return errs.New(errs.Invalid, "invite-expires must be positive")
		}
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		cidr, ok := st.CidrByID(cidrID)
		if !ok {
			return errs.New(errs.NotFound, "cidr not found")
		}
		if isAdmin && cidr.IsInfra {
			return errs.New(errs.Invalid, "admin peers may not live in the infra cidr")
		}
		for _, p := range st.Peers {
			if p.Name == name {
				return errs.New(errs.Conflict, "peer name already in use")
			}
			if p.PublicKey == placeholderKey {
				return errs.New(errs.Conflict, "public key already in use")
			}
		}

		taken := make([]net.IP, 0, len(st.Peers))
		for _, p := range st.Peers {
			taken = append(taken, p.IP)
		}
		if ip == nil {
			ip, err = ipamNextFree(cidr, taken)
			if err != nil {
				return err
			}
		} else {
			if !cidr.Cidr.Contains(ip) {
				return errs.New(errs.Invalid, "ip not contained in cidr")
			}
			for _, t := range taken {
				if t.Equal(ip) {
					return errs.New(errs.Conflict, "ip already in use")
				}
			}
		}

		expires := time.Now().Add(inviteTTL).UTC()
		res, err := tx.ExecContext(ctx, `INSERT INTO peers
			(name, public_key, ip, cidr_id, is_admin, is_disabled, is_redeemed, invite_expires)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
			name, placeholderKey.String(), ip.String(), cidrID, boolToInt(isAdmin), expires.Format(time.RFC3339Nano))
		if err != nil {
			return errs.Wrap(errs.Transient, "insert peer", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errs.Wrap(errs.Transient, "read inserted peer id", err)
		}
		created = Peer{
			ID: uint64(id), Name: name, PublicKey: placeholderKey, IP: ip, CidrID: cidrID,
			IsAdmin: isAdmin, InviteExpires: &expires,
		}
		return nil
	})
	return created, err
}

// CreateServerPeer inserts the coordination server's own peer row, already
// redeemed and admin, so invitations have an infra peer to reference for
// server.public_key/internal_endpoint (spec §4.3 rule 2, §4.4, §8 S1/S2).
// Unlike CreatePendingPeer there is no invitation step: the server's
// identity key never leaves the host it was generated on.
func (s *Store) CreateServerPeer(ctx context.Context, name string, pub keys.Key, cidrID uint64, ip net.IP) (Peer, error) {
	var created Peer
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := validateHostname(name); err != nil {
			return err
		}
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		cidr, ok := st.CidrByID(cidrID)
		if !ok {
			return errs.New(errs.NotFound, "cidr not found")
		}
		if !cidr.Cidr.Contains(ip) {
			return errs.New(errs.Invalid, "ip not contained in cidr")
		}
		for _, p := range st.Peers {
			if p.Name == name {
				return errs.New(errs.Conflict, "peer name already in use")
			}
			if p.PublicKey == pub {
				return errs.New(errs.Conflict, "public key already in use")
			}
			if p.IP.Equal(ip) {
				return errs.New(errs.Conflict, "ip already in use")
			}
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO peers
			(name, public_key, ip, cidr_id, is_admin, is_disabled, is_redeemed, invite_expires)
			VALUES (?, ?, ?, ?, 1, 0, 1, NULL)`,
			name, pub.String(), ip.String(), cidrID)
		if err != nil {
			return errs.Wrap(errs.Transient, "insert server peer", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errs.Wrap(errs.Transient, "read inserted peer id", err)
		}
		created = Peer{
			ID: uint64(id), Name: name, PublicKey: pub, IP: ip, CidrID: cidrID,
			IsAdmin: true, IsRedeemed: true,
		}
		return nil
	})
	return created, err
}

func ipamNextFree(cidr Cidr, taken []net.IP) (net.IP, error) {
	ip, err := ipam.NextFree(cidr.Cidr, taken)
	if err != nil {
		return nil, errs.Wrap(errs.Conflict, "allocate ip", err)
	}
	return ip, nil
}

// RedeemPeer performs the one-shot compare-and-swap redemption described in
// spec §4.4: accepted iff !is_redeemed && now < invite_expires.
func (s *Store) RedeemPeer(ctx context.Context, placeholderKey, newPublicKey keys.Key) (Peer, error) {
	var redeemed Peer
	err := s.withTxExcluding(ctx, placeholderKey.String(), func(tx *sql.Tx) error {
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		p, ok := st.PeerByPublicKey(placeholderKey)
		if !ok {
			return errs.New(errs.NotFound, "invitation not found")
		}
		if p.IsRedeemed {
			return errs.New(errs.Conflict, "invitation already redeemed")
		}
		if p.InviteExpires == nil || time.Now().After(*p.InviteExpires) {
			return errs.New(errs.Expired, "invitation expired")
		}
		for _, other := range st.Peers {
			if other.ID != p.ID && other.PublicKey == newPublicKey {
				return errs.New(errs.Conflict, "public key already in use")
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE peers SET public_key = ?, is_redeemed = 1, invite_expires = NULL WHERE id = ?`,
			newPublicKey.String(), p.ID)
		if err != nil {
			return errs.Wrap(errs.Transient, "redeem peer", err)
		}
		p.PublicKey = newPublicKey
		p.IsRedeemed = true
		p.InviteExpires = nil
		redeemed = p
		return nil
	})
	return redeemed, err
}

// SetDisabled enables or disables a peer (reversible, spec §3).
func (s *Store) SetDisabled(ctx context.Context, id uint64, disabled bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE peers SET is_disabled = ? WHERE id = ?`, boolToInt(disabled), id)
		if err != nil {
			return errs.Wrap(errs.Transient, "set disabled", err)
		}
		return mustAffectedOne(res, "peer")
	})
}

// RenamePeer changes a peer's name, enforcing network-wide uniqueness.
func (s *Store) RenamePeer(ctx context.Context, id uint64, newName string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := validateHostname(newName); err != nil {
			return err
		}
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := st.PeerByID(id); !ok {
			return errs.New(errs.NotFound, "peer not found")
		}
		for _, p := range st.Peers {
			if p.ID != id && p.Name == newName {
				return errs.New(errs.Conflict, "peer name already in use")
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE peers SET name = ? WHERE id = ?`, newName, id)
		if err != nil {
			return errs.Wrap(errs.Transient, "rename peer", err)
		}
		return nil
	})
}

// AddAssociation creates an unordered CIDR-pair association (spec §3).
func (s *Store) AddAssociation(ctx context.Context, cidrA, cidrB uint64) (Association, error) {
	if cidrA == cidrB {
		return Association{}, errs.New(errs.Invalid, "cannot associate a cidr with itself")
	}
	a, b := cidrA, cidrB
	if a > b {
		a, b = b, a
	}
	var created Association
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := st.CidrByID(a); !ok {
			return errs.New(errs.NotFound, "cidr not found")
		}
		if _, ok := st.CidrByID(b); !ok {
			return errs.New(errs.NotFound, "cidr not found")
		}
		for _, existing := range st.Associations {
			if existing.CidrAID == a && existing.CidrBID == b {
				return errs.New(errs.Conflict, "association already exists")
			}
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO associations (cidr_a_id, cidr_b_id) VALUES (?, ?)`, a, b)
		if err != nil {
			return errs.Wrap(errs.Transient, "insert association", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errs.Wrap(errs.Transient, "read inserted association id", err)
		}
		created = Association{ID: uint64(id), CidrAID: a, CidrBID: b}
		return nil
	})
	return created, err
}

// DeleteAssociation removes an association by id.
func (s *Store) DeleteAssociation(ctx context.Context, id uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM associations WHERE id = ?`, id)
		if err != nil {
			return errs.Wrap(errs.Transient, "delete association", err)
		}
		return mustAffectedOne(res, "association")
	})
}

// UpdateEndpoint sets a peer's confirmed WireGuard endpoint.
func (s *Store) UpdateEndpoint(ctx context.Context, id uint64, endpoint string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE peers SET endpoint = ? WHERE id = ?`, endpoint, id)
		if err != nil {
			return errs.Wrap(errs.Transient, "update endpoint", err)
		}
		return mustAffectedOne(res, "peer")
	})
}

// UpdateCandidates replaces a peer's reported NAT candidate list.
func (s *Store) UpdateCandidates(ctx context.Context, id uint64, candidates []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := st.PeerByID(id); !ok {
			return errs.New(errs.NotFound, "peer not found")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE peer_id = ?`, id); err != nil {
			return errs.Wrap(errs.Transient, "clear candidates", err)
		}
		for _, c := range candidates {
			host, port, err := net.SplitHostPort(c)
			if err != nil {
				return errs.Wrap(errs.Invalid, "malformed candidate", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO candidates (peer_id, host, port) VALUES (?, ?, ?)`, id, host, port); err != nil {
				return errs.Wrap(errs.Transient, "insert candidate", err)
			}
		}
		return nil
	})
}

// UpdateHandshake records the most recent successful handshake time read
// back from the device adapter.
func (s *Store) UpdateHandshake(ctx context.Context, id uint64, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE peers SET last_handshake = ? WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return errs.Wrap(errs.Transient, "update handshake", err)
		}
		return mustAffectedOne(res, "peer")
	})
}

func mustAffectedOne(res sql.Result, kind string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.Transient, "read rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.NotFound, kind+" not found")
	}
	return nil
}

func nullableID(id *uint64) any {
	if id == nil {
		return nil
	}
	return *id
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
