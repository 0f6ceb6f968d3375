package dataset

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/models"
)

// PersonRow is one row of the nodes table.
type PersonRow struct {
	models.StructureRecord
	Path      string
	Checksum  string
	Biography string
	Email     string
	Phone     string
	BirthDate string
	DeathDate string
	Location  string
	PhotoRef  string
	Extra     map[string]string
}

// maxVars keeps IN lists well under SQLite's bound-variable limit.
const maxVars = 500

// UpsertPerson inserts or updates a person. A row whose file had been
// removed is revived when the file reappears.
func (db *DB) UpsertPerson(p PersonRow) error {
	extraJSON, _ := json.Marshal(p.Extra)
	_, err := db.conn.Exec(`
		INSERT INTO nodes (id, path, checksum, parent_id, secondary_parent_id, generation, order_key,
			display_key, biography, email, phone, birth_date, death_date, location, photo_ref, extra, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tombstoned          = CASE WHEN nodes.path = '' THEN 0 ELSE nodes.tombstoned END,
			path                = excluded.path,
			checksum            = excluded.checksum,
			parent_id           = excluded.parent_id,
			secondary_parent_id = excluded.secondary_parent_id,
			generation          = excluded.generation,
			order_key           = excluded.order_key,
			display_key         = excluded.display_key,
			biography           = excluded.biography,
			email               = excluded.email,
			phone               = excluded.phone,
			birth_date          = excluded.birth_date,
			death_date          = excluded.death_date,
			location            = excluded.location,
			photo_ref           = excluded.photo_ref,
			extra               = excluded.extra,
			updated_at          = excluded.updated_at
	`, p.ID, p.Path, p.Checksum, p.ParentID, p.SecondaryParentID, p.Generation, p.OrderKey,
		p.DisplayKey, p.Biography, p.Email, p.Phone, p.BirthDate, p.DeathDate, p.Location, p.PhotoRef,
		string(extraJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("dataset: upsert %s: %w", p.ID, err)
	}
	return nil
}

// PathChecksums maps every file-backed row's path to its checksum.
func (db *DB) PathChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, checksum FROM nodes WHERE path != ''`)
	if err != nil {
		return nil, fmt.Errorf("dataset: path checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

// PathOf returns the file path recorded for id, or "" if none.
func (db *DB) PathOf(id string) (string, error) {
	var p string
	err := db.conn.QueryRow(`SELECT path FROM nodes WHERE id = ?`, id).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dataset: path of %s: %w", id, err)
	}
	return p, nil
}

// RemovePath tombstones the row backed by path and detaches it from the file.
func (db *DB) RemovePath(path string) error {
	_, err := db.conn.Exec(`UPDATE nodes SET tombstoned = 1, path = '', checksum = '' WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("dataset: remove %s: %w", path, err)
	}
	return nil
}

// Version returns the structure version; 0 before the first import.
func (db *DB) Version() (int64, error) {
	var v int64
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = 'version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dataset: version: %w", err)
	}
	return v, nil
}

// BumpVersion increments the structure version and returns the new value.
func (db *DB) BumpVersion() (int64, error) {
	return bump(db.conn)
}

type execQueryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func bump(q execQueryer) (int64, error) {
	if _, err := q.Exec(`
		INSERT INTO meta (key, value) VALUES ('version', 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
	`); err != nil {
		return 0, fmt.Errorf("dataset: bump version: %w", err)
	}
	var v int64
	if err := q.QueryRow(`SELECT value FROM meta WHERE key = 'version'`).Scan(&v); err != nil {
		return 0, fmt.Errorf("dataset: read version: %w", err)
	}
	return v, nil
}

// Snapshot returns the structure of every live node, ordered by id.
func (db *DB) Snapshot() (models.StructureSnapshot, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return models.StructureSnapshot{}, fmt.Errorf("dataset: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	var snap models.StructureSnapshot
	err = tx.QueryRow(`SELECT value FROM meta WHERE key = 'version'`).Scan(&snap.Version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.StructureSnapshot{}, fmt.Errorf("dataset: version: %w", err)
	}
	rows, err := tx.Query(`
		SELECT id, parent_id, secondary_parent_id, generation, order_key, display_key
		FROM nodes WHERE tombstoned = 0 ORDER BY id
	`)
	if err != nil {
		return models.StructureSnapshot{}, fmt.Errorf("dataset: snapshot: %w", err)
	}
	defer rows.Close()
	snap.Records = []models.StructureRecord{}
	for rows.Next() {
		var r models.StructureRecord
		if err := rows.Scan(&r.ID, &r.ParentID, &r.SecondaryParentID, &r.Generation, &r.OrderKey, &r.DisplayKey); err != nil {
			return models.StructureSnapshot{}, err
		}
		snap.Records = append(snap.Records, r)
	}
	return snap, rows.Err()
}

// Enrich returns detail records for the live nodes among ids. Unknown and
// tombstoned ids are omitted.
func (db *DB) Enrich(ids []string) ([]models.EnrichedNode, error) {
	recs, err := db.lookup(ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.EnrichedNode, 0, len(recs))
	for _, r := range recs {
		if !r.Tombstoned {
			out = append(out, r.Node)
		}
	}
	return out, nil
}

// CrossRef returns records for ids including tombstoned ones, flagged.
func (db *DB) CrossRef(ids []string) ([]models.CrossRefRecord, error) {
	return db.lookup(ids)
}

func (db *DB) lookup(ids []string) ([]models.CrossRefRecord, error) {
	out := make([]models.CrossRefRecord, 0, len(ids))
	for len(ids) > 0 {
		n := min(len(ids), maxVars)
		chunk := ids[:n]
		ids = ids[n:]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := db.conn.Query(`
			SELECT id, parent_id, secondary_parent_id, generation, order_key, display_key,
				biography, email, phone, birth_date, death_date, location, photo_ref, extra, tombstoned
			FROM nodes WHERE id IN (`+placeholders(len(chunk))+`) ORDER BY id`, args...)
		if err != nil {
			return nil, fmt.Errorf("dataset: lookup: %w", err)
		}
		for rows.Next() {
			var (
				row       PersonRow
				extraJSON string
				tomb      bool
			)
			if err := rows.Scan(&row.ID, &row.ParentID, &row.SecondaryParentID, &row.Generation, &row.OrderKey,
				&row.DisplayKey, &row.Biography, &row.Email, &row.Phone, &row.BirthDate, &row.DeathDate,
				&row.Location, &row.PhotoRef, &extraJSON, &tomb); err != nil {
				rows.Close()
				return nil, err
			}
			_ = json.Unmarshal([]byte(extraJSON), &row.Extra)
			out = append(out, models.CrossRefRecord{Node: row.enriched(), Tombstoned: tomb})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Tombstone soft-deletes id and bumps the structure version.
func (db *DB) Tombstone(id string) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("dataset: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var tomb bool
	err = tx.QueryRow(`SELECT tombstoned FROM nodes WHERE id = ?`, id).Scan(&tomb)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("dataset: tombstone %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("dataset: tombstone %s: %w", id, err)
	}
	if tomb {
		return 0, fmt.Errorf("dataset: tombstone %s: %w", id, apperr.ErrConflict)
	}
	if _, err := tx.Exec(`UPDATE nodes SET tombstoned = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return 0, fmt.Errorf("dataset: tombstone %s: %w", id, err)
	}
	v, err := bump(tx)
	if err != nil {
		return 0, err
	}
	return v, tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (p PersonRow) enriched() models.EnrichedNode {
	n := models.EnrichedNode{StructureRecord: p.StructureRecord}
	n.Biography = opt(p.Biography)
	n.Email = opt(p.Email)
	n.Phone = opt(p.Phone)
	n.BirthDate = opt(p.BirthDate)
	n.DeathDate = opt(p.DeathDate)
	n.Location = opt(p.Location)
	n.PhotoRef = opt(p.PhotoRef)
	if len(p.Extra) > 0 {
		n.Extra = p.Extra
	}
	return n
}

func opt(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
