// Package session wires the loading chain for one viewer: structure, layout,
// visibility, tiers, enrichment and the decoded-asset cache.
//
// A Session is created by Open and released by Close. It owns every cache
// it builds; nothing is shared between sessions except what Deps provides.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/assetcache"
	"github.com/starford/arbor/internal/backend"
	"github.com/starford/arbor/internal/clock"
	"github.com/starford/arbor/internal/enrich"
	"github.com/starford/arbor/internal/layout"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/nodestore"
	"github.com/starford/arbor/internal/structure"
	"github.com/starford/arbor/internal/tier"
	"github.com/starford/arbor/internal/visibility"
	"github.com/starford/arbor/internal/xref"
)

// Deps are the collaborators a session talks to. Only Backend is required.
type Deps struct {
	Backend backend.Backend
	// Cache persists the structure between sessions.
	Cache   *structure.Cache
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector

	// OnTiersChanged receives the tiers of the drawn nodes whenever a
	// promotion commits after the viewport stopped moving.
	OnTiersChanged func(tiers map[string]models.Tier)
	// OnEnriched receives the ids each background enrichment batch filled
	// in, nearest first. It runs on the enrichment goroutine.
	OnEnriched func(ids []string)
}

// Config tunes every stage of the chain.
type Config struct {
	Schema       int
	LoadAttempts int
	LoadBackoff  time.Duration

	Layout   layout.Options
	CellSize float64
	// Padding defaults to a fixed 200 world units.
	Padding visibility.PaddingPolicy

	NominalSize float64
	Tiers       tier.Thresholds
	Overview    tier.OverviewLimits

	Pipeline enrich.Config
	LockWait time.Duration
	Assets   assetcache.Config
}

// DefaultConfig returns the defaults of every stage.
func DefaultConfig() Config {
	return Config{
		LoadAttempts: 3,
		LoadBackoff:  500 * time.Millisecond,
		Layout:       layout.DefaultOptions(),
		CellSize:     512,
		Padding:      visibility.FixedPadding(200),
		NominalSize:  48,
		Tiers:        tier.DefaultThresholds(),
		Overview:     tier.DefaultOverviewLimits(),
		Pipeline:     enrich.DefaultConfig(),
		LockWait:     xref.DefaultLockWait,
		Assets:       assetcache.DefaultConfig(),
	}
}

// Frame is what the paint layer needs for one viewport.
type Frame struct {
	Viewport models.Viewport `json:"viewport"`
	Padding  float64         `json:"padding"`
	// Visible is every id inside the padded viewport, sorted.
	Visible []string `json:"visible"`
	// Overview is what to draw; it equals Visible unless aggregated.
	Overview tier.Overview          `json:"overview"`
	Tiers    map[string]models.Tier `json:"tiers"`
}

// Stats summarises the session.
type Stats struct {
	Version       int64            `json:"version"`
	Source        structure.Source `json:"source"`
	Nodes         int              `json:"nodes"`
	Enriched      int              `json:"enriched"`
	Pipeline      enrich.Status    `json:"pipeline"`
	TierPending   int              `json:"tier_pending"`
	TierSettles   int64            `json:"tier_settles"`
	Merged        int64            `json:"merged"`
	AssetEntries  int              `json:"asset_entries"`
	AssetBytes    int64            `json:"asset_bytes"`
	LastViewport  models.Viewport  `json:"last_viewport"`
	VisibleCount  int              `json:"visible_count"`
	PanSpeed      float64          `json:"pan_speed,omitempty"`
	StructureLoad time.Duration    `json:"structure_load_ns"`
}

// Session is safe for concurrent use.
type Session struct {
	cfg     Config
	log     *slog.Logger
	clock   clock.Clock
	backend backend.Backend

	structure *structure.Store
	version   int64
	source    structure.Source
	loadTook  time.Duration

	layout   *layout.Layout
	index    *visibility.Index
	nodes    *nodestore.Store
	pipeline *enrich.Pipeline
	xref     *xref.Enricher
	tiers    *tier.Classifier
	assets   *assetcache.Cache

	onTiers    func(map[string]models.Tier)
	onEnriched func([]string)
	merged     atomic.Int64
	settles    atomic.Int64

	mu        sync.Mutex
	closed    bool
	viewport  models.Viewport
	center    models.Point
	buf       []string
	visible   int
	drawn     []string
	current   map[string]models.Tier
	settle    clock.Timer
	settleSeq uint64
}

// Open loads the structure, retrying network failures a bounded number of
// times, lays it out once and starts the enrichment pipeline. Structure
// and layout failures are returned; nothing is left running on error.
func Open(ctx context.Context, deps Deps, cfg Config) (*Session, error) {
	if deps.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	def := DefaultConfig()
	if cfg.Padding == nil {
		cfg.Padding = def.Padding
	}
	if cfg.NominalSize <= 0 {
		cfg.NominalSize = def.NominalSize
	}
	if cfg.LoadAttempts <= 0 {
		cfg.LoadAttempts = 1
	}
	s := &Session{
		cfg:     cfg,
		log:     deps.Logger,
		clock:   deps.Clock,
		backend: deps.Backend,

		onTiers:    deps.OnTiersChanged,
		onEnriched: deps.OnEnriched,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}

	sopts := []structure.Option{structure.WithLogger(s.log)}
	if deps.Cache != nil {
		sopts = append(sopts, structure.WithCache(deps.Cache))
	}
	s.structure = structure.NewStore(deps.Backend, cfg.Schema, sopts...)

	start := s.clock.Now()
	snap, src, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.version, s.source, s.loadTook = snap.Version, src, s.clock.Now().Sub(start)
	deps.Metrics.Version(snap.Version)

	s.layout, err = layout.Compute(snap.Records, cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.index = visibility.New(s.layout, cfg.CellSize)
	s.nodes = nodestore.New(snap.Records)

	s.assets, err = assetcache.New(deps.Backend, cfg.Assets,
		assetcache.WithLogger(s.log), assetcache.WithMetrics(deps.Metrics))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.tiers = tier.New(cfg.Tiers, s.clock)
	s.pipeline = enrich.New(s.nodes, deps.Backend, s.layout, cfg.Pipeline,
		enrich.WithLogger(s.log),
		enrich.WithClock(s.clock),
		enrich.WithMetrics(deps.Metrics),
		enrich.WithOnMerged(s.enriched),
	)
	xopts := []xref.Option{
		xref.WithLogger(s.log),
		xref.WithMetrics(deps.Metrics),
		xref.WithCenter(s.currentCenter),
	}
	if cfg.LockWait > 0 {
		xopts = append(xopts, xref.WithLockWait(cfg.LockWait))
	}
	s.xref = xref.New(s.nodes, deps.Backend, s.layout, xopts...)

	s.log.Info("session: opened",
		slog.Int64("version", snap.Version),
		slog.String("source", string(src)),
		slog.Int("nodes", s.layout.Len()),
	)
	return s, nil
}

func (s *Session) load(ctx context.Context) (models.StructureSnapshot, structure.Source, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.LoadAttempts; attempt++ {
		if attempt > 0 {
			wait := s.cfg.LoadBackoff << (attempt - 1)
			s.log.Warn("session: structure load retry",
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
				slog.String("error", lastErr.Error()),
			)
			if err := clock.Sleep(ctx, s.clock, wait); err != nil {
				return models.StructureSnapshot{}, "", fmt.Errorf("session: %w", lastErr)
			}
		}
		snap, src, err := s.structure.Load(ctx)
		if err == nil {
			return snap, src, nil
		}
		if !errors.Is(err, apperr.ErrNetworkUnavailable) {
			return models.StructureSnapshot{}, "", fmt.Errorf("session: %w", err)
		}
		lastErr = err
	}
	return models.StructureSnapshot{}, "", fmt.Errorf("session: %w", lastErr)
}

func (s *Session) enriched(ids []string) {
	s.merged.Add(int64(len(ids)))
	if s.onEnriched != nil {
		s.onEnriched(ids)
	}
}

func (s *Session) currentCenter() models.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.center
}

// SetViewport computes the frame for v and feeds the rendered nodes to the
// enrichment pipeline. It never blocks on the network. Promotions still
// waiting out their delay are committed later and reported through
// Deps.OnTiersChanged.
func (s *Session) SetViewport(v models.Viewport) Frame {
	now := s.clock.Now()
	pad := s.cfg.Padding.Padding(v, now)

	s.mu.Lock()
	s.buf = s.index.AppendVisible(s.buf[:0], v, pad)
	visible := models.NewIDSet(s.buf...)
	s.viewport, s.center, s.visible = v, v.Center(), len(visible)
	closed := s.closed
	s.mu.Unlock()

	ov := tier.BuildOverview(s.layout, visible, s.cfg.Overview)
	rendered := models.NewIDSet(ov.Nodes...)
	if !closed {
		s.pipeline.Update(rendered, v.Center())
	}

	s.mu.Lock()
	tiers := s.classifyLocked(ov.Nodes, v.Zoom)
	s.tiers.Retain(rendered)
	s.drawn, s.current = ov.Nodes, maps.Clone(tiers)
	if !s.closed {
		s.scheduleSettleLocked()
	}
	s.mu.Unlock()

	return Frame{
		Viewport: v,
		Padding:  pad,
		Visible:  visible.Sorted(),
		Overview: ov,
		Tiers:    tiers,
	}
}

func (s *Session) classifyLocked(ids []string, zoom float64) map[string]models.Tier {
	tiers := make(map[string]models.Tier, len(ids))
	for _, id := range ids {
		tiers[id] = s.tiers.Classify(id, s.cfg.NominalSize, zoom)
	}
	return tiers
}

// scheduleSettleLocked arms a task for the earliest waiting promotion,
// replacing any task already armed.
func (s *Session) scheduleSettleLocked() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.settleSeq++
	wait, ok := s.tiers.NextPromotion()
	if !ok {
		return
	}
	seq := s.settleSeq
	s.settle = s.clock.AfterFunc(wait, func() { s.settleTiers(seq) })
}

// settleTiers reclassifies the drawn nodes at the last zoom so promotions
// that have waited long enough commit without another viewport change.
func (s *Session) settleTiers(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.settleSeq {
		s.mu.Unlock()
		return
	}
	s.settle = nil
	tiers := s.classifyLocked(s.drawn, s.viewport.Zoom)
	changed := !maps.Equal(tiers, s.current)
	s.current = tiers
	s.scheduleSettleLocked()
	s.mu.Unlock()

	if !changed {
		return
	}
	s.settles.Add(1)
	s.log.Debug("session: tiers settled", slog.Int("drawn", len(tiers)))
	if s.onTiers != nil {
		s.onTiers(maps.Clone(tiers))
	}
}

// Tiers returns the committed tier of every drawn node.
func (s *Session) Tiers() map[string]models.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.current)
}

// Flush sends the pending enrichment batch now.
func (s *Session) Flush() { s.pipeline.Flush() }

// Wait blocks until in-flight enrichment batches finish.
func (s *Session) Wait() { s.pipeline.Wait() }

// EnsureEnriched enriches ids through the cross-reference path.
func (s *Session) EnsureEnriched(ctx context.Context, ids []string) error {
	return s.xref.EnsureEnriched(ctx, ids)
}

// RunAfterEnriched runs action once ids are enriched, unless live was
// killed while waiting.
func (s *Session) RunAfterEnriched(ctx context.Context, live *xref.Liveness, ids []string, action func() error) error {
	return s.xref.Run(ctx, live, ids, action)
}

// Node returns the best-known record for id.
func (s *Session) Node(id string) (models.Node, bool) { return s.nodes.Get(id) }

// Position returns the frozen layout position of id.
func (s *Session) Position(id string) (models.LayoutPosition, bool) { return s.layout.Position(id) }

// Bounds returns the world-space extent of the layout.
func (s *Session) Bounds() models.Rect { return s.layout.Bounds() }

// Asset returns the decoded photo of id at the given resolution.
func (s *Session) Asset(ctx context.Context, id string, bucket models.Bucket) (*assetcache.Asset, error) {
	n, ok := s.nodes.Get(id)
	if !ok {
		return nil, fmt.Errorf("session: node %s: %w", id, apperr.ErrNotFound)
	}
	if n.PhotoRef == "" {
		return nil, fmt.Errorf("session: node %s has no photo: %w", id, apperr.ErrNotFound)
	}
	return s.assets.GetOrLoad(ctx, n.PhotoRef, bucket)
}

// Revalidate reports whether the backend now serves a different structure
// version. Positions never change within a session; a caller seeing true
// opens a new session.
func (s *Session) Revalidate(ctx context.Context) (bool, error) {
	_, changed, err := s.structure.Revalidate(ctx, s.version)
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	vp, visible := s.viewport, s.visible
	s.mu.Unlock()
	var speed float64
	if ap, ok := s.cfg.Padding.(*visibility.AdaptivePadding); ok {
		speed = ap.Speed()
	}
	return Stats{
		Version:       s.version,
		Source:        s.source,
		Nodes:         s.nodes.Len(),
		Enriched:      s.nodes.EnrichedCount(),
		Pipeline:      s.pipeline.Status(),
		TierPending:   s.tiers.PendingPromotions(),
		TierSettles:   s.settles.Load(),
		Merged:        s.merged.Load(),
		AssetEntries:  s.assets.Len(),
		AssetBytes:    s.assets.Bytes(),
		LastViewport:  vp,
		VisibleCount:  visible,
		PanSpeed:      speed,
		StructureLoad: s.loadTook,
	}
}

// Close stops the pipeline and releases every cached asset.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.mu.Unlock()

	s.pipeline.Close()
	s.assets.Purge()
	s.log.Info("session: closed", slog.Int64("version", s.version))
}
