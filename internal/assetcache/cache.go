// Package assetcache keeps decoded images in memory under a byte budget,
// evicting least recently used entries and deduplicating concurrent loads.
package assetcache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/models"
)

// Loader fetches the encoded bytes of an asset.
type Loader interface {
	Asset(ctx context.Context, ref string, bucket models.Bucket) ([]byte, error)
}

// Asset is a decoded image. Release is called once it leaves the cache.
type Asset struct {
	Ref    string
	Bucket models.Bucket
	Format string
	Image  image.Image
	Width  int
	Height int
	// Size is the decoded footprint, width×height×4 bytes.
	Size int64

	released atomic.Bool
}

// Release marks the asset as no longer owned by the cache.
func (a *Asset) Release() { a.released.Store(true) }

// Released reports whether Release was called.
func (a *Asset) Released() bool { return a.released.Load() }

// Config bounds the cache.
type Config struct {
	BudgetBytes int64
	// MaxEntries caps the entry count independently of bytes.
	MaxEntries  int
	LoadTimeout time.Duration
}

// DefaultConfig returns a 128 MiB budget.
func DefaultConfig() Config {
	return Config{BudgetBytes: 128 << 20, MaxEntries: 4096, LoadTimeout: 30 * time.Second}
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(c *Cache) { c.metrics = m } }

// Cache is safe for concurrent use.
type Cache struct {
	loader  Loader
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector
	group   singleflight.Group

	mu    sync.Mutex
	lru   *simplelru.LRU[string, *Asset]
	bytes int64
}

// New returns an empty cache.
func New(loader Loader, cfg Config, opts ...Option) (*Cache, error) {
	def := DefaultConfig()
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = def.BudgetBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	c := &Cache{loader: loader, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	lru, err := simplelru.NewLRU[string, *Asset](cfg.MaxEntries, c.evicted)
	if err != nil {
		return nil, fmt.Errorf("assetcache: new: %w", err)
	}
	c.lru = lru
	return c, nil
}

// evicted runs under c.mu from inside the LRU.
func (c *Cache) evicted(_ string, a *Asset) {
	c.bytes -= a.Size
	a.Release()
	c.metrics.AssetEvicted()
	c.metrics.AssetBytesHeld(c.bytes)
}

func key(ref string, bucket models.Bucket) string { return string(bucket) + "/" + ref }

// GetOrLoad returns the decoded asset for (ref, bucket), loading it on a
// miss. Concurrent misses for the same key share one load. If ctx ends
// first the caller gets ctx.Err() while the load finishes in the
// background and still fills the cache.
func (c *Cache) GetOrLoad(ctx context.Context, ref string, bucket models.Bucket) (*Asset, error) {
	k := key(ref, bucket)
	c.mu.Lock()
	if a, ok := c.lru.Get(k); ok {
		c.mu.Unlock()
		c.metrics.AssetHit()
		return a, nil
	}
	c.mu.Unlock()
	c.metrics.AssetMiss()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (interface{}, error) {
		return c.load(detached, k, ref, bucket)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Asset), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, k, ref string, bucket models.Bucket) (*Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()

	data, err := c.loader.Asset(ctx, ref, bucket)
	if err != nil {
		return nil, fmt.Errorf("assetcache: load %s: %w", k, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("assetcache: decode %s: %w", k, err)
	}
	b := img.Bounds()
	a := &Asset{
		Ref:    ref,
		Bucket: bucket,
		Format: format,
		Image:  img,
		Width:  b.Dx(),
		Height: b.Dy(),
		Size:   int64(b.Dx()) * int64(b.Dy()) * 4,
	}

	if a.Size > c.cfg.BudgetBytes {
		c.log.Warn("assetcache: asset exceeds budget, not cached",
			slog.String("key", k),
			slog.Int64("size", a.Size),
		)
		return a, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(k); ok {
		return cur, nil
	}
	c.lru.Add(k, a)
	c.bytes += a.Size
	for c.bytes > c.cfg.BudgetBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	c.metrics.AssetBytesHeld(c.bytes)
	return a, nil
}

// Peek returns a cached asset without changing its recency.
func (c *Cache) Peek(ref string, bucket models.Bucket) (*Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(key(ref, bucket))
}

// Len returns the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the decoded bytes currently held.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Purge releases every cached asset.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
	c.metrics.AssetBytesHeld(0)
}
