package dataset

import (
	"github.com/starford/arbor/internal/models"
)

// Dataset defines the operations the service layer needs. Consumers depend
// on this interface rather than *DB so tests can substitute it.
type Dataset interface {
	Version() (int64, error)
	Snapshot() (models.StructureSnapshot, error)
	Enrich(ids []string) ([]models.EnrichedNode, error)
	CrossRef(ids []string) ([]models.CrossRefRecord, error)
	Tombstone(id string) (int64, error)
	UpsertPerson(p PersonRow) error
	Close() error
}

// Verify *DB satisfies Dataset at compile time.
var _ Dataset = (*DB)(nil)
