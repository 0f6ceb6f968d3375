// Package storage abstracts where person records and image assets live.
package storage

import (
	"context"
	"time"

	"github.com/starford/arbor/internal/models"
)

// FileMeta describes one record file.
type FileMeta struct {
	Path      string
	Checksum  string
	UpdatedAt time.Time
}

// Records is the read side of a directory of Markdown person records.
type Records interface {
	// List returns metadata for every .md file under the root.
	List() ([]FileMeta, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
}

// Assets stores encoded images keyed by (ref, bucket).
type Assets interface {
	Get(ctx context.Context, ref string, bucket models.Bucket) ([]byte, error)
	Put(ctx context.Context, ref string, bucket models.Bucket, data []byte) error
}
