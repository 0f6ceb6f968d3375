// Package enrich batches the ids entering the viewport and fills them in
// from the backend with a debounce, a force-flush deadline and bounded
// retries.
package enrich

import (
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/clock"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/nodestore"
)

// Fetcher returns enriched records for ids. Ids it omits are treated as
// unavailable.
type Fetcher interface {
	Enrich(ctx context.Context, ids []string) ([]models.EnrichedNode, error)
}

// Config tunes batching and retries.
type Config struct {
	Debounce     time.Duration
	ForceFlush   time.Duration
	MaxBatch     int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	FetchTimeout time.Duration
}

// DefaultConfig returns the stock batching settings.
func DefaultConfig() Config {
	return Config{
		Debounce:     100 * time.Millisecond,
		ForceFlush:   250 * time.Millisecond,
		MaxBatch:     200,
		MaxAttempts:  4,
		BaseBackoff:  200 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		FetchTimeout: 10 * time.Second,
	}
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Pending     int       `json:"pending"`
	InFlight    int       `json:"in_flight"`
	Unavailable int       `json:"unavailable"`
	Failed      int       `json:"failed"`
	Flushes     int       `json:"flushes"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithMetrics(m *metrics.Collector) Option { return func(p *Pipeline) { p.metrics = m } }

// WithOnMerged registers a callback run after each merge with the ids that
// changed, nearest first. It runs on the flush goroutine.
func WithOnMerged(fn func(ids []string)) Option { return func(p *Pipeline) { p.onMerged = fn } }

// Pipeline owns the pending batch and its timers. It is safe for
// concurrent use.
type Pipeline struct {
	store    *nodestore.Store
	fetcher  Fetcher
	loc      nodestore.Locator
	cfg      Config
	log      *slog.Logger
	clock    clock.Clock
	metrics  *metrics.Collector
	onMerged func([]string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seed   maphash.Seed

	mu          sync.Mutex
	closed      bool
	center      models.Point
	pending     models.IDSet
	inflight    models.IDSet
	unavailable models.IDSet
	failed      models.IDSet
	visibleSig  setSignature
	debounce    clock.Timer
	deadline    clock.Timer
	debounceSeq uint64
	deadlineSeq uint64
	seq         uint64
	flushes     int
	lastErr     error
	lastErrAt   time.Time
}

// New returns a running pipeline. Close releases it.
func New(store *nodestore.Store, fetcher Fetcher, loc nodestore.Locator, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	p := &Pipeline{
		store:       store,
		fetcher:     fetcher,
		loc:         loc,
		cfg:         cfg,
		log:         slog.Default(),
		clock:       clock.Real(),
		seed:        maphash.MakeSeed(),
		pending:     make(models.IDSet),
		inflight:    make(models.IDSet),
		unavailable: make(models.IDSet),
		failed:      make(models.IDSet),
	}
	for _, o := range opts {
		o(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Update feeds the latest visible set. Ids that are neither enriched nor
// already queued, in flight or known unavailable join the pending batch.
func (p *Pipeline) Update(visible models.IDSet, center models.Point) {
	candidates := p.store.Unenriched(visible)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.center = center

	if sig := p.signature(visible); sig != p.visibleSig {
		p.visibleSig = sig
		if len(p.failed) > 0 {
			p.failed = make(models.IDSet)
		}
	}

	added := 0
	for _, id := range candidates {
		if p.pending.Has(id) || p.inflight.Has(id) || p.unavailable.Has(id) || p.failed.Has(id) {
			continue
		}
		p.pending.Add(id)
		added++
	}
	if added == 0 {
		return
	}
	p.metrics.Pending(len(p.pending))

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.seq++
	p.debounceSeq = p.seq
	seq := p.seq
	p.debounce = p.clock.AfterFunc(p.cfg.Debounce, func() { p.fire(&p.debounceSeq, seq, "debounce") })
	if p.deadline == nil {
		p.seq++
		p.deadlineSeq = p.seq
		seq := p.seq
		p.deadline = p.clock.AfterFunc(p.cfg.ForceFlush, func() { p.fire(&p.deadlineSeq, seq, "deadline") })
	}
}

// setSignature identifies a visible set without keeping its ids. Two sets
// compare equal only if size, xor and sum of their id hashes all match.
type setSignature struct {
	n        int
	xor, sum uint64
}

func (p *Pipeline) signature(ids models.IDSet) setSignature {
	sig := setSignature{n: len(ids)}
	for id := range ids {
		h := maphash.String(p.seed, id)
		sig.xor ^= h
		sig.sum += h
	}
	return sig
}

// fire runs a timer callback unless the timer was replaced or stopped
// after it became due.
func (p *Pipeline) fire(current *uint64, seq uint64, trigger string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || *current != seq {
		return
	}
	p.flushLocked(trigger)
}

// Flush sends the pending batch now instead of waiting for a timer.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.flushLocked("manual")
}

func (p *Pipeline) flushLocked(trigger string) {
	if p.debounce != nil {
		p.debounce.Stop()
		p.debounce = nil
	}
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
	p.debounceSeq, p.deadlineSeq = 0, 0
	if len(p.pending) == 0 {
		return
	}

	batch := make([]models.EnrichedNode, 0, len(p.pending))
	for id := range p.pending {
		batch = append(batch, models.EnrichedNode{StructureRecord: models.StructureRecord{ID: id}})
		p.inflight.Add(id)
	}
	p.pending = make(models.IDSet)
	p.flushes++
	p.metrics.Pending(0)

	nodestore.OrderByDistance(batch, p.loc, p.center)
	ids := make([]string, len(batch))
	for i, n := range batch {
		ids[i] = n.ID
	}

	p.wg.Add(1)
	go p.run(ids, trigger)
}

func (p *Pipeline) run(ids []string, trigger string) {
	defer p.wg.Done()
	start := p.clock.Now()
	outcome := "ok"

	p.log.Debug("enrich: flush",
		slog.String("trigger", trigger),
		slog.Int("ids", len(ids)),
	)

	for len(ids) > 0 {
		n := min(len(ids), p.cfg.MaxBatch)
		chunk := ids[:n]
		ids = ids[n:]

		nodes, err := p.fetch(chunk)
		if err != nil {
			outcome = "failed"
			p.fail(chunk, err)
			continue
		}
		p.merge(chunk, nodes)
	}
	p.metrics.Flush(trigger, outcome, p.clock.Now().Sub(start))
}

func (p *Pipeline) fetch(ids []string) ([]models.EnrichedNode, error) {
	var err error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if serr := clock.Sleep(p.ctx, p.clock, p.backoff(attempt-1)); serr != nil {
				return nil, serr
			}
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.FetchTimeout)
		var nodes []models.EnrichedNode
		nodes, err = p.fetcher.Enrich(ctx, ids)
		cancel()
		if err == nil {
			return nodes, nil
		}
		if p.ctx.Err() != nil {
			return nil, p.ctx.Err()
		}
		p.log.Warn("enrich: fetch failed",
			slog.Int("attempt", attempt+1),
			slog.Int("ids", len(ids)),
			slog.String("error", err.Error()),
		)
	}
	return nil, err
}

func (p *Pipeline) backoff(n int) time.Duration {
	d := p.cfg.BaseBackoff << n
	if d <= 0 || (p.cfg.MaxBackoff > 0 && d > p.cfg.MaxBackoff) {
		d = p.cfg.MaxBackoff
	}
	return d
}

func (p *Pipeline) fail(ids []string, err error) {
	p.mu.Lock()
	for _, id := range ids {
		delete(p.inflight, id)
		p.failed.Add(id)
	}
	p.lastErr = fmt.Errorf("enrich: %d ids: %w: %w", len(ids), apperr.ErrEnrichmentFetchFailed, err)
	p.lastErrAt = p.clock.Now()
	p.mu.Unlock()
}

func (p *Pipeline) merge(requested []string, nodes []models.EnrichedNode) {
	p.mu.Lock()
	center := p.center
	p.mu.Unlock()

	merged := p.store.MergeNearestFirst(nodes, p.loc, center)

	returned := make(models.IDSet, len(nodes))
	for _, n := range nodes {
		returned.Add(n.ID)
	}
	p.mu.Lock()
	for _, id := range requested {
		delete(p.inflight, id)
		if !returned.Has(id) {
			p.unavailable.Add(id)
		}
	}
	p.mu.Unlock()

	p.metrics.Merged(len(merged))
	if p.onMerged != nil && len(merged) > 0 {
		p.onMerged(merged)
	}
}

// Status reports queue sizes and the last fetch failure, if any.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Pending:     len(p.pending),
		InFlight:    len(p.inflight),
		Unavailable: len(p.unavailable),
		Failed:      len(p.failed),
		Flushes:     p.flushes,
		LastErrorAt: p.lastErrAt,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// LastError returns the most recent fetch failure wrapping
// apperr.ErrEnrichmentFetchFailed, or nil.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Wait blocks until every started flush has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Close cancels timers and in-flight retries and waits for running flushes.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.debounce != nil {
		p.debounce.Stop()
	}
	if p.deadline != nil {
		p.deadline.Stop()
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
