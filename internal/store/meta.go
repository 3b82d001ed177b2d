package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/mr-karan/meridian/internal/errs"
)

// SetListenPort records the network-wide default WireGuard listen port
// (spec §6 CLI surface: `set-listen-port`) in the meta table, since it is
// network-wide configuration rather than a per-row column.
func (s *Store) SetListenPort(ctx context.Context, port uint16) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('listen_port', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(int(port)))
		if err != nil {
			return errs.Wrap(errs.Transient, "set listen port", err)
		}
		return nil
	})
}

// ListenPort returns the network-wide default listen port, or false if
// never set.
func (s *Store) ListenPort(ctx context.Context) (uint16, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'listen_port'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Wrap(errs.Transient, "read listen port", err)
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, false, errs.Wrap(errs.Internal, "parse stored listen port", err)
	}
	return uint16(port), true, nil
}
