package dataset

import (
	"log/slog"
	"strings"

	"github.com/starford/arbor/internal/parser"
	"github.com/starford/arbor/internal/storage"
)

// Sync walks the record directory and brings the dataset up to date:
//   - new/changed files are parsed and upserted
//   - rows whose file disappeared are tombstoned
//
// The structure version is bumped when anything changed; the new version
// (or the current one) is returned.
func Sync(db *DB, src storage.Records, logger *slog.Logger) (int64, bool, error) {
	metas, err := src.List()
	if err != nil {
		return 0, false, err
	}
	checksums, err := db.PathChecksums()
	if err != nil {
		return 0, false, err
	}

	changed := false
	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.Path] = struct{}{}
		if checksums[m.Path] == m.Checksum {
			continue
		}
		data, err := src.Read(m.Path)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		ok, err := importFile(db, m.Path, m.Checksum, data, logger)
		if err != nil {
			logger.Warn("sync: import failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if ok {
			changed = true
			logger.Debug("sync: imported", slog.String("path", m.Path))
		}
	}

	for p := range checksums {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := db.RemovePath(p); err != nil {
			logger.Warn("sync: remove failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		changed = true
		logger.Debug("sync: tombstoned removed file", slog.String("path", p))
	}

	if !changed {
		v, err := db.Version()
		return v, false, err
	}
	v, err := db.BumpVersion()
	return v, err == nil, err
}

// importFile parses data and upserts it. It reports false when the id is
// already owned by another file that still exists.
func importFile(db *DB, path, sum string, data []byte, logger *slog.Logger) (bool, error) {
	p, err := parser.Parse(data)
	if err != nil {
		return false, err
	}
	owner, err := db.PathOf(p.ID)
	if err != nil {
		return false, err
	}
	if owner != "" && owner != path {
		logger.Warn("sync: duplicate id", slog.String("id", p.ID),
			slog.String("path", path), slog.String("owner", owner))
		return false, nil
	}

	extra := make(map[string]string, len(p.Extra)+2)
	for k, v := range p.Extra {
		extra[k] = v
	}
	if len(p.Tags) > 0 {
		extra["tags"] = strings.Join(p.Tags, ",")
	}
	if len(p.Mentions) > 0 {
		extra["mentions"] = strings.Join(p.Mentions, ",")
	}

	row := PersonRow{
		Path:      path,
		Checksum:  sum,
		Biography: p.Biography,
		Email:     p.Email,
		Phone:     p.Phone,
		BirthDate: p.Born,
		DeathDate: p.Died,
		Location:  p.Location,
		PhotoRef:  p.Photo,
		Extra:     extra,
	}
	row.ID = p.ID
	row.ParentID = p.Parent
	row.SecondaryParentID = p.SecondaryParent
	row.Generation = p.Generation
	row.OrderKey = p.Order
	row.DisplayKey = p.Display
	return true, db.UpsertPerson(row)
}
