// Package store implements the transactional relational data model of spec
// §3/§4.2/§6: CIDRs form a forest, peers live in exactly one CIDR, and
// associations are an unordered-pair overlay. Every mutation runs inside a
// single serializable transaction that re-checks the invariants before
// commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mr-karan/meridian/internal/errs"
	"github.com/mr-karan/meridian/internal/keys"
)

// Store owns the database handle. It is process-wide singleton state per
// spec §9: callers obtain a transaction-scoped view through its methods,
// never the underlying *sql.DB.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and migrates) the SQLite-backed store at dsn.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "open database", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline (spec §5)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.Fatal, "apply schema", err)
		}
	}
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, strconv.Itoa(schemaVersion))
	}
	if err != nil && err != sql.ErrNoRows {
		return errs.Wrap(errs.Fatal, "read schema version", err)
	}
	return nil
}

// withTx runs fn inside a serializable read-write transaction: commits on
// nil error, rolls back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTxExcluding(ctx, "", fn)
}

// withTxExcluding is withTx but the lazy GC pass below skips the peer row
// whose public key equals excludeKey. RedeemPeer needs this: without it,
// the GC delete at the top of this transaction would tombstone an
// already-expired invitation before RedeemPeer's own snapshot ever sees
// it, turning the §7-mandated Expired (410) response into a NotFound
// (404) instead. Every other caller passes "" and gets the normal
// GC-before-work order.
func (s *Store) withTxExcluding(ctx context.Context, excludeKey string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errs.Wrap(errs.Transient, "begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Lazy GC of expired-unredeemed invitations (spec §4.2/§4.4): every
	// write transaction clears them first so uniqueness checks never see
	// a tombstoned row, and reuse is observable on the very next write.
	if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE peer_id IN (
		SELECT id FROM peers WHERE is_redeemed = 0 AND invite_expires IS NOT NULL AND invite_expires < ? AND public_key != ?
	)`, nowStr(), excludeKey); err != nil {
		return errs.Wrap(errs.Transient, "gc expired candidates", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE is_redeemed = 0 AND invite_expires IS NOT NULL AND invite_expires < ? AND public_key != ?`, nowStr(), excludeKey); err != nil {
		return errs.Wrap(errs.Transient, "gc expired peers", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Transient, "commit transaction", err)
	}
	return nil
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// Snapshot returns a consistent, immutable view of the whole network.
func (s *Store) Snapshot(ctx context.Context) (State, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return State{}, errs.Wrap(errs.Transient, "begin snapshot", err)
	}
	defer tx.Rollback() //nolint:errcheck
	return snapshot(ctx, tx)
}

func snapshot(ctx context.Context, q queryer) (State, error) {
	var st State

	cidrRows, err := q.QueryContext(ctx, `SELECT id, name, cidr, parent_id, is_infra FROM cidrs`)
	if err != nil {
		return State{}, errs.Wrap(errs.Transient, "query cidrs", err)
	}
	defer cidrRows.Close()
	for cidrRows.Next() {
		var (
			c        Cidr
			cidrStr  string
			parentID sql.NullInt64
			isInfra  int
		)
		if err := cidrRows.Scan(&c.ID, &c.Name, &cidrStr, &parentID, &isInfra); err != nil {
			return State{}, errs.Wrap(errs.Internal, "scan cidr", err)
		}
		_, ipnet, err := net.ParseCIDR(cidrStr)
		if err != nil {
			return State{}, errs.Wrap(errs.Internal, "parse stored cidr", err)
		}
		c.Cidr = *ipnet
		c.IsInfra = isInfra != 0
		if parentID.Valid {
			v := uint64(parentID.Int64)
			c.ParentID = &v
		}
		st.Cidrs = append(st.Cidrs, c)
	}

	peerRows, err := q.QueryContext(ctx, `SELECT id, name, public_key, ip, cidr_id, is_admin, is_disabled, is_redeemed,
		invite_expires, endpoint, persistent_keepalive, last_handshake FROM peers`)
	if err != nil {
		return State{}, errs.Wrap(errs.Transient, "query peers", err)
	}
	defer peerRows.Close()
	for peerRows.Next() {
		var (
			p             Peer
			pubKeyStr     string
			ipStr         string
			isAdmin       int
			isDisabled    int
			isRedeemed    int
			inviteExpires sql.NullString
			endpoint      sql.NullString
			keepalive     sql.NullInt64
			lastHandshake sql.NullString
		)
		if err := peerRows.Scan(&p.ID, &p.Name, &pubKeyStr, &ipStr, &p.CidrID, &isAdmin, &isDisabled, &isRedeemed,
			&inviteExpires, &endpoint, &keepalive, &lastHandshake); err != nil {
			return State{}, errs.Wrap(errs.Internal, "scan peer", err)
		}
		pk, err := keys.Parse(pubKeyStr)
		if err != nil {
			return State{}, errs.Wrap(errs.Internal, "parse stored public key", err)
		}
		p.PublicKey = pk
		p.IP = net.ParseIP(ipStr)
		p.IsAdmin = isAdmin != 0
		p.IsDisabled = isDisabled != 0
		p.IsRedeemed = isRedeemed != 0
		if inviteExpires.Valid {
			t, err := parseTime(inviteExpires.String)
			if err != nil {
				return State{}, errs.Wrap(errs.Internal, "parse invite_expires", err)
			}
			p.InviteExpires = &t
		}
		if endpoint.Valid {
			v := endpoint.String
			p.Endpoint = &v
		}
		if keepalive.Valid {
			v := uint16(keepalive.Int64)
			p.PersistentKeepalive = &v
		}
		if lastHandshake.Valid {
			t, err := parseTime(lastHandshake.String)
			if err != nil {
				return State{}, errs.Wrap(errs.Internal, "parse last_handshake", err)
			}
			p.LastHandshake = &t
		}

		candRows, err := q.QueryContext(ctx, `SELECT host, port FROM candidates WHERE peer_id = ?`, p.ID)
		if err != nil {
			return State{}, errs.Wrap(errs.Transient, "query candidates", err)
		}
		for candRows.Next() {
			var host string
			var port int
			if err := candRows.Scan(&host, &port); err != nil {
				candRows.Close()
				return State{}, errs.Wrap(errs.Internal, "scan candidate", err)
			}
			p.Candidates = append(p.Candidates, fmt.Sprintf("%s:%d", host, port))
		}
		candRows.Close()

		st.Peers = append(st.Peers, p)
	}

	assocRows, err := q.QueryContext(ctx, `SELECT id, cidr_a_id, cidr_b_id FROM associations`)
	if err != nil {
		return State{}, errs.Wrap(errs.Transient, "query associations", err)
	}
	defer assocRows.Close()
	for assocRows.Next() {
		var a Association
		if err := assocRows.Scan(&a.ID, &a.CidrAID, &a.CidrBID); err != nil {
			return State{}, errs.Wrap(errs.Internal, "scan association", err)
		}
		st.Associations = append(st.Associations, a)
	}

	return st, nil
}

// queryer is satisfied by both *sql.Tx and *sql.DB.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// validateHostname matches the DNS-hostname grammar spec §3 requires of
// peer names: labels of letters/digits/hyphens, not starting or ending with
// a hyphen, joined by dots.
func validateHostname(name string) error {
	if name == "" || len(name) > 253 {
		return errs.New(errs.Invalid, "name must be a valid hostname")
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return errs.New(errs.Invalid, "name must be a valid hostname")
		}
		for i, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			isHyphen := r == '-'
			if !isAlnum && !isHyphen {
				return errs.New(errs.Invalid, "name must be a valid hostname")
			}
			if isHyphen && (i == 0 || i == len(label)-1) {
				return errs.New(errs.Invalid, "name must be a valid hostname")
			}
		}
	}
	return nil
}
