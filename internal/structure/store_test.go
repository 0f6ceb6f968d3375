package structure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/models"
)

type fakeFetcher struct {
	calls atomic.Int32
	snap  models.StructureSnapshot
	err   error
}

func (f *fakeFetcher) Structure(ctx context.Context) (models.StructureSnapshot, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.StructureSnapshot{}, f.err
	}
	return f.snap, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func snapshot(version int64) models.StructureSnapshot {
	return models.StructureSnapshot{Version: version, Records: []models.StructureRecord{
		{ID: "r", DisplayKey: "Root"},
		{ID: "a", ParentID: "r", Generation: 1, OrderKey: 1},
	}}
}

func TestLoad_ColdThenWarm(t *testing.T) {
	cache := openCache(t)
	f := &fakeFetcher{snap: snapshot(5)}
	s := NewStore(f, 1, WithCache(cache), WithLogger(quiet()))

	snap, src, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("cold Load: %v", err)
	}
	if src != SourceNetwork || snap.Version != 5 || len(snap.Records) != 2 {
		t.Fatalf("cold = %v %+v", src, snap)
	}

	// Warm start never touches the network.
	f.err = apperr.ErrNetworkUnavailable
	snap, src, err = s.Load(context.Background())
	if err != nil {
		t.Fatalf("warm Load: %v", err)
	}
	if src != SourceCache || snap.Version != 5 || snap.Records[1].ParentID != "r" {
		t.Errorf("warm = %v %+v", src, snap)
	}
	if f.calls.Load() != 1 {
		t.Errorf("fetches = %d, want 1", f.calls.Load())
	}
}

func TestLoad_SchemaMismatchRefetches(t *testing.T) {
	cache := openCache(t)
	if err := cache.Put(1, snapshot(5)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f := &fakeFetcher{snap: snapshot(6)}
	snap, src, err := NewStore(f, 2, WithCache(cache), WithLogger(quiet())).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src != SourceNetwork || snap.Version != 6 {
		t.Errorf("got %v version %d", src, snap.Version)
	}
}

func TestLoad_CorruptCacheRefetches(t *testing.T) {
	cache := openCache(t)
	if err := cache.Put(1, snapshot(5)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := cache.conn.Exec(`UPDATE structure_cache SET checksum = 'bad'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f := &fakeFetcher{snap: snapshot(7)}
	_, src, err := NewStore(f, 1, WithCache(cache), WithLogger(quiet())).Load(context.Background())
	if err != nil || src != SourceNetwork {
		t.Fatalf("Load = %v, %v", src, err)
	}
}

func TestLoad_NetworkUnavailableWithoutCache(t *testing.T) {
	f := &fakeFetcher{err: errors.New("dial tcp: refused")}
	_, _, err := NewStore(f, 1, WithCache(openCache(t)), WithLogger(quiet())).Load(context.Background())
	if !errors.Is(err, apperr.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
}

func TestRevalidate_ReplacesOnVersionChange(t *testing.T) {
	cache := openCache(t)
	f := &fakeFetcher{snap: snapshot(1)}
	s := NewStore(f, 1, WithCache(cache), WithLogger(quiet()))
	if _, _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, changed, err := s.Revalidate(context.Background(), 1)
	if err != nil || changed {
		t.Fatalf("same version: changed=%v err=%v", changed, err)
	}
	f.snap = snapshot(2)
	snap, changed, err := s.Revalidate(context.Background(), 1)
	if err != nil || !changed || snap.Version != 2 {
		t.Fatalf("new version: %+v changed=%v err=%v", snap, changed, err)
	}
	cached, err := cache.Get(1)
	if err != nil || cached.Version != 2 {
		t.Errorf("cache = %+v, %v", cached, err)
	}
}

func countRows(t *testing.T, c *Cache) int {
	t.Helper()
	var n int
	if err := c.conn.QueryRow(`SELECT COUNT(*) FROM structure_cache`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestLoad_SchemaZeroAcceptsAnyCachedVersion(t *testing.T) {
	cache := openCache(t)
	if err := cache.Put(3, snapshot(9)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f := &fakeFetcher{err: apperr.ErrNetworkUnavailable}
	snap, src, err := NewStore(f, 0, WithCache(cache), WithLogger(quiet())).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src != SourceCache || snap.Version != 9 || f.calls.Load() != 0 {
		t.Errorf("got %v version %d fetches %d", src, snap.Version, f.calls.Load())
	}
}

func TestPut_ReplacesOtherSchemas(t *testing.T) {
	cache := openCache(t)
	if err := cache.Put(1, snapshot(5)); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := cache.Put(2, snapshot(6)); err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if n := countRows(t, cache); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	if _, err := cache.Get(1); !errors.Is(err, errNoEntry) {
		t.Errorf("old schema = %v, want errNoEntry", err)
	}
	if snap, err := cache.Get(2); err != nil || snap.Version != 6 {
		t.Errorf("current schema = %+v, %v", snap, err)
	}
}

func TestLoad_CorruptCacheIsDropped(t *testing.T) {
	cache := openCache(t)
	if err := cache.Put(1, snapshot(5)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := cache.conn.Exec(`UPDATE structure_cache SET checksum = 'bad'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f := &fakeFetcher{err: apperr.ErrNetworkUnavailable}
	if _, _, err := NewStore(f, 1, WithCache(cache), WithLogger(quiet())).Load(context.Background()); !errors.Is(err, apperr.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
	if n := countRows(t, cache); n != 0 {
		t.Errorf("rows = %d, want corrupt entry dropped", n)
	}
}
