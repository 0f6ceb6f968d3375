// Package dataset is the reference server's SQLite store of person records,
// kept in step with a directory of Markdown records.
package dataset

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	id                  TEXT PRIMARY KEY,
	path                TEXT NOT NULL DEFAULT '',
	checksum            TEXT NOT NULL DEFAULT '',
	parent_id           TEXT NOT NULL DEFAULT '',
	secondary_parent_id TEXT NOT NULL DEFAULT '',
	generation          INTEGER NOT NULL DEFAULT 0,
	order_key           INTEGER NOT NULL DEFAULT 0,
	display_key         TEXT NOT NULL DEFAULT '',
	biography           TEXT NOT NULL DEFAULT '',
	email               TEXT NOT NULL DEFAULT '',
	phone               TEXT NOT NULL DEFAULT '',
	birth_date          TEXT NOT NULL DEFAULT '',
	death_date          TEXT NOT NULL DEFAULT '',
	location            TEXT NOT NULL DEFAULT '',
	photo_ref           TEXT NOT NULL DEFAULT '',
	extra               TEXT NOT NULL DEFAULT '{}',
	tombstoned          INTEGER NOT NULL DEFAULT 0,
	updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_nodes_path ON nodes(path);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// DB wraps a sql.DB with dataset operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("dataset: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dataset: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dataset: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
