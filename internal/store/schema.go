package store

// schemaVersion is the current additive migration level (spec §6: "Schema
// version stored in a one-row meta table; migrations are additive").
const schemaVersion = 1

// ddl holds the table definitions. Uniqueness of peer name/ip/public_key is
// enforced in application code rather than SQL UNIQUE constraints, because
// spec §4.2 requires excluding expired-unredeemed rows from uniqueness
// checks — something a static constraint can't express.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cidrs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		cidr TEXT NOT NULL,
		parent_id INTEGER,
		is_infra INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (parent_id) REFERENCES cidrs(id)
	)`,
	`CREATE TABLE IF NOT EXISTS peers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		ip TEXT NOT NULL,
		cidr_id INTEGER NOT NULL,
		is_admin INTEGER NOT NULL DEFAULT 0,
		is_disabled INTEGER NOT NULL DEFAULT 0,
		is_redeemed INTEGER NOT NULL DEFAULT 0,
		invite_expires TEXT,
		endpoint TEXT,
		persistent_keepalive INTEGER,
		last_handshake TEXT,
		FOREIGN KEY (cidr_id) REFERENCES cidrs(id)
	)`,
	`CREATE TABLE IF NOT EXISTS associations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cidr_a_id INTEGER NOT NULL,
		cidr_b_id INTEGER NOT NULL,
		FOREIGN KEY (cidr_a_id) REFERENCES cidrs(id),
		FOREIGN KEY (cidr_b_id) REFERENCES cidrs(id)
	)`,
	`CREATE TABLE IF NOT EXISTS candidates (
		peer_id INTEGER NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		FOREIGN KEY (peer_id) REFERENCES peers(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peers_cidr_id ON peers(cidr_id)`,
	`CREATE INDEX IF NOT EXISTS idx_candidates_peer_id ON candidates(peer_id)`,
}
