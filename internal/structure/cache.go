// Package structure loads the hierarchy skeleton, serving a persisted copy
// on warm starts and the backend on cold ones.
package structure

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/arbor/internal/checksum"
	"github.com/starford/arbor/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS structure_cache (
	schema_version INTEGER PRIMARY KEY,
	version        INTEGER NOT NULL,
	checksum       TEXT    NOT NULL,
	payload        BLOB    NOT NULL,
	saved_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

var (
	// errNoEntry means the cache holds nothing for the schema version.
	errNoEntry = errors.New("structure: no cache entry")
	// errCorrupt means the stored payload failed its checksum or decode.
	errCorrupt = errors.New("structure: corrupt cache entry")
)

// Cache persists the structure snapshot of the current schema version in
// SQLite. Writing a new schema version replaces the table's contents.
type Cache struct {
	conn *sql.DB
}

// OpenCache opens (or creates) the cache database at dsn.
func OpenCache(dsn string) (*Cache, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("structure: open cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("structure: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("structure: apply schema: %w", err)
	}
	return &Cache{conn: conn}, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.conn.Close()
}

// Get returns the cached snapshot for schema. Schema 0 accepts the newest
// entry of any schema version. A missing row yields errNoEntry and a payload
// that fails its checksum yields errCorrupt.
func (c *Cache) Get(schema int) (models.StructureSnapshot, error) {
	var (
		version int64
		sum     string
		payload []byte
		row     *sql.Row
	)
	if schema == 0 {
		row = c.conn.QueryRow(`SELECT version, checksum, payload FROM structure_cache
			ORDER BY saved_at DESC, schema_version DESC LIMIT 1`)
	} else {
		row = c.conn.QueryRow(
			`SELECT version, checksum, payload FROM structure_cache WHERE schema_version = ?`, schema)
	}
	err := row.Scan(&version, &sum, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StructureSnapshot{}, errNoEntry
	}
	if err != nil {
		return models.StructureSnapshot{}, fmt.Errorf("structure: read cache: %w", err)
	}
	if !checksum.Verify(payload, sum) {
		return models.StructureSnapshot{}, errCorrupt
	}
	var recs []models.StructureRecord
	if err := json.Unmarshal(payload, &recs); err != nil {
		return models.StructureSnapshot{}, errCorrupt
	}
	return models.StructureSnapshot{Version: version, Records: recs}, nil
}

// Put stores snap as the only cached snapshot, dropping entries written under
// other schema versions in the same transaction.
func (c *Cache) Put(schema int, snap models.StructureSnapshot) error {
	payload, err := json.Marshal(snap.Records)
	if err != nil {
		return fmt.Errorf("structure: encode snapshot: %w", err)
	}
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("structure: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM structure_cache WHERE schema_version <> ?`, schema); err != nil {
		return fmt.Errorf("structure: clear old schemas: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO structure_cache (schema_version, version, checksum, payload, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(schema_version) DO UPDATE SET
			version  = excluded.version,
			checksum = excluded.checksum,
			payload  = excluded.payload,
			saved_at = excluded.saved_at
	`, schema, snap.Version, checksum.Sum(payload), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("structure: write cache: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("structure: commit: %w", err)
	}
	return nil
}

// Drop removes every cached snapshot.
func (c *Cache) Drop() error {
	if _, err := c.conn.Exec(`DELETE FROM structure_cache`); err != nil {
		return fmt.Errorf("structure: drop cache: %w", err)
	}
	return nil
}
