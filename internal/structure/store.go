package structure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/backend"
	"github.com/starford/arbor/internal/models"
)

// Source says where a snapshot came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithCache persists fetched snapshots and serves warm starts from c.
func WithCache(c *Cache) Option { return func(s *Store) { s.cache = c } }

// Store loads structure snapshots. Schema version 0 accepts whatever
// snapshot is cached.
type Store struct {
	fetcher backend.StructureFetcher
	cache   *Cache
	schema  int
	log     *slog.Logger
}

func NewStore(fetcher backend.StructureFetcher, schema int, opts ...Option) *Store {
	s := &Store{fetcher: fetcher, schema: schema, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load returns the cached snapshot when one exists for the schema version,
// otherwise fetches and persists a fresh one. A corrupt entry is dropped. It fails with
// apperr.ErrNetworkUnavailable when neither is available.
func (s *Store) Load(ctx context.Context) (models.StructureSnapshot, Source, error) {
	if s.cache != nil {
		snap, err := s.cache.Get(s.schema)
		if err == nil {
			s.log.Debug("structure: warm start",
				slog.Int64("version", snap.Version),
				slog.Int("records", len(snap.Records)),
			)
			return snap, SourceCache, nil
		}
		switch {
		case errors.Is(err, errNoEntry):
		case errors.Is(err, errCorrupt):
			s.log.Warn("structure: dropping corrupt cache")
			if err := s.cache.Drop(); err != nil {
				s.log.Warn("structure: drop failed", slog.String("error", err.Error()))
			}
		default:
			s.log.Warn("structure: cache unreadable", slog.String("error", err.Error()))
		}
	}
	snap, err := s.fetch(ctx)
	if err != nil {
		return models.StructureSnapshot{}, "", err
	}
	return snap, SourceNetwork, nil
}

// Revalidate fetches the current snapshot and replaces the cached one when
// its version differs. changed is false when the versions match.
func (s *Store) Revalidate(ctx context.Context, current int64) (models.StructureSnapshot, bool, error) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return models.StructureSnapshot{}, false, err
	}
	return snap, snap.Version != current, nil
}

func (s *Store) fetch(ctx context.Context) (models.StructureSnapshot, error) {
	snap, err := s.fetcher.Structure(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrNetworkUnavailable) || ctx.Err() != nil {
			return models.StructureSnapshot{}, fmt.Errorf("structure: load: %w", err)
		}
		return models.StructureSnapshot{}, fmt.Errorf("structure: load: %w: %v", apperr.ErrNetworkUnavailable, err)
	}
	if s.cache != nil {
		if err := s.cache.Put(s.schema, snap); err != nil {
			s.log.Warn("structure: persist failed", slog.String("error", err.Error()))
		}
	}
	s.log.Info("structure: fetched",
		slog.Int64("version", snap.Version),
		slog.Int("records", len(snap.Records)),
	)
	return snap, nil
}
