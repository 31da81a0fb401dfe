package catalog

import (
	"database/sql"
	"fmt"
)

// migration is one ordered, idempotent schema step. Its Version is its
// position in the migrations slice (1-based); SQL is written so it is
// safe to re-run (CREATE TABLE/INDEX IF NOT EXISTS).
type migration struct {
	Version int
	SQL     string
}

// migrations is the fixed, ordered list of schema steps. Appending a new
// step is the only way schema changes; existing steps are never edited.
var migrations = []migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS devices (
	uuid TEXT PRIMARY KEY,
	provisioned INTEGER NOT NULL DEFAULT 0,
	last_seen_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subnets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	network_ipv4 TEXT,
	network_ipv6 TEXT,
	gateway_ipv4 TEXT,
	gateway_ipv6 TEXT,
	dns_servers TEXT NOT NULL DEFAULT '',
	lease_time INTEGER NOT NULL DEFAULT 3600
);

CREATE TABLE IF NOT EXISTS interfaces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_uuid TEXT NOT NULL REFERENCES devices(uuid),
	mac_address TEXT NOT NULL UNIQUE,
	ipv4_address TEXT,
	ipv6_address TEXT,
	is_bmc INTEGER NOT NULL DEFAULT 0,
	subnet_id INTEGER REFERENCES subnets(id),
	rack_identifier TEXT,
	rack_port TEXT,
	updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS leases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	interface_id INTEGER NOT NULL REFERENCES interfaces(id),
	subnet_id INTEGER NOT NULL REFERENCES subnets(id),
	ip_address TEXT NOT NULL,
	lease_start TIMESTAMP NOT NULL,
	lease_end TIMESTAMP NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1
);
`,
	},
	{
		Version: 2,
		SQL: `
CREATE INDEX IF NOT EXISTS idx_leases_ip_active ON leases (ip_address, is_active);
CREATE INDEX IF NOT EXISTS idx_interfaces_mac ON interfaces (mac_address);
`,
	},
}

// latestVersion is the schema version this binary expects.
var latestVersion = len(migrations)

// applyMigrations brings the schema at conn up to latestVersion,
// applying each unapplied step in ascending order and persisting the new
// version in the same transaction as that step's DDL, so a crash mid-step
// cannot leave the recorded version ahead of the schema it describes.
func applyMigrations(db *sql.DB) error {
	current, err := getOrInitVersion(db)
	if err != nil {
		return fmt.Errorf("catalog: reading schema version: %w", err)
	}

	for current < latestVersion {
		next := migrations[current] // migrations[0] is version 1
		if err := applyOne(db, next); err != nil {
			return fmt.Errorf("catalog: applying migration %d: %w", next.Version, err)
		}
		current = next.Version
	}

	return nil
}

func getOrInitVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		if _, err := db.Exec(`CREATE TABLE schema_migrations (version INTEGER NOT NULL)`); err != nil {
			return 0, err
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version) VALUES (0)`); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var version int
	if err := db.QueryRow(`SELECT version FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func applyOne(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op if already committed

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE schema_migrations SET version = ?`, m.Version); err != nil {
		return err
	}

	return tx.Commit()
}
