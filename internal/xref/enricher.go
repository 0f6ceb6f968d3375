// Package xref force-enriches specific node ids for user actions that
// reference nodes outside the viewport.
package xref

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/nodestore"
)

// DefaultLockWait bounds how long a request queues behind another one.
const DefaultLockWait = 5 * time.Second

// Fetcher returns cross-reference records, including tombstoned ones.
type Fetcher interface {
	CrossRef(ctx context.Context, ids []string) ([]models.CrossRefRecord, error)
}

// UnavailableError reports ids that are tombstoned or unknown. It wraps
// apperr.ErrRecordUnavailable.
type UnavailableError struct {
	IDs []string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("xref: records unavailable: %s", strings.Join(e.IDs, ", "))
}

func (e *UnavailableError) Unwrap() error { return apperr.ErrRecordUnavailable }

// Message is the text shown to the person who triggered the action.
func (e *UnavailableError) Message() string {
	if len(e.IDs) == 1 {
		return "This person's record is no longer available."
	}
	return fmt.Sprintf("%d of the selected records are no longer available.", len(e.IDs))
}

// Option configures an Enricher.
type Option func(*Enricher)

func WithLogger(l *slog.Logger) Option { return func(e *Enricher) { e.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(e *Enricher) { e.metrics = m } }

// WithLockWait overrides DefaultLockWait.
func WithLockWait(d time.Duration) Option { return func(e *Enricher) { e.lockWait = d } }

// WithCenter supplies the current viewport centre for nearest-first merges.
func WithCenter(fn func() models.Point) Option { return func(e *Enricher) { e.center = fn } }

// Enricher serialises cross-reference fetches behind its own lock, separate
// from the viewport pipeline.
type Enricher struct {
	store    *nodestore.Store
	fetcher  Fetcher
	loc      nodestore.Locator
	sem      *semaphore.Weighted
	lockWait time.Duration
	center   func() models.Point
	log      *slog.Logger
	metrics  *metrics.Collector
}

func New(store *nodestore.Store, fetcher Fetcher, loc nodestore.Locator, opts ...Option) *Enricher {
	e := &Enricher{
		store:    store,
		fetcher:  fetcher,
		loc:      loc,
		sem:      semaphore.NewWeighted(1),
		lockWait: DefaultLockWait,
		center:   func() models.Point { return models.Point{} },
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EnsureEnriched returns once every id is enriched in the node store. If
// any id is tombstoned or unknown it returns an *UnavailableError and
// leaves the store untouched.
func (e *Enricher) EnsureEnriched(ctx context.Context, ids []string) error {
	if len(e.store.Missing(ids)) == 0 {
		e.metrics.XRef("cached")
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	err := e.sem.Acquire(lockCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.metrics.XRef("lock_timeout")
		return fmt.Errorf("xref: waited %s: %w", e.lockWait, apperr.ErrLockTimeout)
	}
	defer e.sem.Release(1)

	// An identical request may have finished while we waited.
	missing := e.store.Missing(ids)
	if len(missing) == 0 {
		e.metrics.XRef("cached")
		return nil
	}

	records, err := e.fetcher.CrossRef(ctx, missing)
	if err != nil {
		e.metrics.XRef("failed")
		return fmt.Errorf("xref: fetch: %w", err)
	}

	byID := make(map[string]models.CrossRefRecord, len(records))
	for _, r := range records {
		byID[r.Node.ID] = r
	}
	var gone []string
	for _, id := range missing {
		r, ok := byID[id]
		if !ok || r.Tombstoned || !e.store.Has(id) {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		e.metrics.XRef("unavailable")
		e.log.Info("xref: records unavailable", slog.Int("count", len(gone)))
		return &UnavailableError{IDs: gone}
	}

	nodes := make([]models.EnrichedNode, 0, len(missing))
	for _, id := range missing {
		nodes = append(nodes, byID[id].Node)
	}
	e.store.MergeNearestFirst(nodes, e.loc, e.center())
	e.metrics.XRef("ok")
	return nil
}

// Liveness tracks whether the view that started an action still exists.
type Liveness struct {
	dead atomic.Bool
}

// Kill marks the view as torn down.
func (l *Liveness) Kill() { l.dead.Store(true) }

// Alive reports whether the view is still live. A nil Liveness is alive.
func (l *Liveness) Alive() bool { return l == nil || !l.dead.Load() }

// ErrViewGone is returned by Run when the view died while enrichment ran.
var ErrViewGone = errors.New("xref: view torn down")

// Run enriches ids and then calls action, unless the view died meanwhile.
func (e *Enricher) Run(ctx context.Context, live *Liveness, ids []string, action func() error) error {
	if err := e.EnsureEnriched(ctx, ids); err != nil {
		return err
	}
	if !live.Alive() {
		return ErrViewGone
	}
	return action()
}
