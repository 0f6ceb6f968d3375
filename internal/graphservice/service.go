// Package graphservice is the server-side service layer: it answers the
// structure, enrichment, cross-reference and asset calls from the dataset
// and the asset store, and announces changes to live viewers.
package graphservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/dataset"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/storage"
)

// MaxIDs bounds one enrich or cross-reference request.
const MaxIDs = 1000

// ErrTooManyIDs is returned when a request names more than MaxIDs ids.
var ErrTooManyIDs = fmt.Errorf("too many ids (max %d)", MaxIDs)

// Notifier is told about dataset changes. *sse.Broker implements it.
type Notifier interface {
	PublishVersion(version int64)
	PublishTombstone(id string, version int64)
}

// Service coordinates dataset and asset operations.
type Service struct {
	db       dataset.Dataset
	assets   storage.Assets
	notifier Notifier
	metrics  *metrics.Collector
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets where change events go.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithMetrics records the structure version on the collector.
func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService creates a new graph service. assets may be nil when the
// server has no asset store.
func NewService(db dataset.Dataset, assets storage.Assets, opts ...Option) *Service {
	s := &Service{db: db, assets: assets, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Structure returns the live hierarchy skeleton.
func (s *Service) Structure(_ context.Context) (models.StructureSnapshot, error) {
	snap, err := s.db.Snapshot()
	if err != nil {
		return models.StructureSnapshot{}, err
	}
	s.metrics.Version(snap.Version)
	return snap, nil
}

// Enrich returns detail records for the live nodes among ids.
func (s *Service) Enrich(_ context.Context, ids []string) ([]models.EnrichedNode, error) {
	ids, err := normalize(ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.EnrichedNode{}, nil
	}
	return s.db.Enrich(ids)
}

// CrossRef returns records for ids, tombstoned ones included and flagged.
func (s *Service) CrossRef(_ context.Context, ids []string) ([]models.CrossRefRecord, error) {
	ids, err := normalize(ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.CrossRefRecord{}, nil
	}
	return s.db.CrossRef(ids)
}

// Asset returns the encoded bytes of one image variant.
func (s *Service) Asset(ctx context.Context, ref string, bucket models.Bucket) ([]byte, error) {
	if !bucket.Valid() {
		return nil, fmt.Errorf("graphservice: bucket %q: %w", bucket, apperr.ErrNotFound)
	}
	if s.assets == nil {
		return nil, apperr.ErrNotFound
	}
	return s.assets.Get(ctx, ref, bucket)
}

// PutAsset stores one encoded image variant.
func (s *Service) PutAsset(ctx context.Context, ref string, bucket models.Bucket, data []byte) error {
	if !bucket.Valid() {
		return fmt.Errorf("graphservice: bucket %q: %w", bucket, apperr.ErrNotFound)
	}
	if s.assets == nil {
		return errors.New("graphservice: no asset store configured")
	}
	return s.assets.Put(ctx, ref, bucket, data)
}

// Tombstone soft-deletes id and announces the change.
func (s *Service) Tombstone(_ context.Context, id string) (int64, error) {
	v, err := s.db.Tombstone(id)
	if err != nil {
		return 0, err
	}
	s.log.Info("graphservice: tombstoned", slog.String("id", id), slog.Int64("version", v))
	s.metrics.Version(v)
	if s.notifier != nil {
		s.notifier.PublishTombstone(id, v)
	}
	return v, nil
}

// Changed is called after a record sync bumped the structure version.
func (s *Service) Changed(version int64) {
	s.metrics.Version(version)
	if s.notifier != nil {
		s.notifier.PublishVersion(version)
	}
}

// normalize drops empty and duplicate ids, keeping first-seen order.
func normalize(ids []string) ([]string, error) {
	if len(ids) > MaxIDs {
		return nil, ErrTooManyIDs
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
