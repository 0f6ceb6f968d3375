package assetcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/starford/arbor/internal/models"
)

func encodePNG(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// fakeLoader serves square PNGs whose side is encoded in the ref, e.g. "8".
type fakeLoader struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
	data  map[string][]byte
}

func newLoader() *fakeLoader {
	return &fakeLoader{calls: make(map[string]int), data: make(map[string][]byte)}
}

func (f *fakeLoader) put(ref string, data []byte) { f.data[ref] = data }

func (f *fakeLoader) Asset(ctx context.Context, ref string, bucket models.Bucket) ([]byte, error) {
	f.mu.Lock()
	f.calls[string(bucket)+"/"+ref]++
	data, ok := f.data[ref]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, errors.New("no such asset")
	}
	return data, nil
}

func (f *fakeLoader) Calls(ref string, bucket models.Bucket) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[string(bucket)+"/"+ref]
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newCache(t *testing.T, l Loader, budget int64) *Cache {
	t.Helper()
	c, err := New(l, Config{BudgetBytes: budget}, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGetOrLoad_DecodesAndCaches(t *testing.T) {
	l := newLoader()
	l.put("p", encodePNG(t, 4, 3))
	c := newCache(t, l, 1<<20)

	a, err := c.GetOrLoad(context.Background(), "p", models.BucketThumb)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if a.Width != 4 || a.Height != 3 || a.Size != 48 || a.Format != "png" {
		t.Errorf("asset = %+v", a)
	}
	again, err := c.GetOrLoad(context.Background(), "p", models.BucketThumb)
	if err != nil || again != a {
		t.Fatalf("second GetOrLoad = %p, %v", again, err)
	}
	if n := l.Calls("p", models.BucketThumb); n != 1 {
		t.Errorf("loader calls = %d, want 1", n)
	}
	// Buckets are separate keys.
	if _, err := c.GetOrLoad(context.Background(), "p", models.BucketFull); err != nil {
		t.Fatalf("full bucket: %v", err)
	}
	if c.Len() != 2 || c.Bytes() != 96 {
		t.Errorf("len=%d bytes=%d", c.Len(), c.Bytes())
	}
}

func TestGetOrLoad_DeduplicatesConcurrentMisses(t *testing.T) {
	l := newLoader()
	l.put("p", encodePNG(t, 2, 2))
	l.gate = make(chan struct{})
	c := newCache(t, l, 1<<20)

	var wg sync.WaitGroup
	results := make([]*Asset, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := c.GetOrLoad(context.Background(), "p", models.BucketMedium)
			if err != nil {
				t.Errorf("GetOrLoad: %v", err)
			}
			results[i] = a
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(l.gate)
	wg.Wait()

	if n := l.Calls("p", models.BucketMedium); n != 1 {
		t.Errorf("loader calls = %d, want 1", n)
	}
	for i, a := range results {
		if a != results[0] {
			t.Errorf("result %d is a different asset", i)
		}
	}
}

func TestGetOrLoad_EvictsLeastRecentlyUsed(t *testing.T) {
	l := newLoader()
	for _, ref := range []string{"a", "b", "c"} {
		l.put(ref, encodePNG(t, 4, 4)) // 64 bytes each
	}
	c := newCache(t, l, 128)
	ctx := context.Background()

	a, _ := c.GetOrLoad(ctx, "a", models.BucketThumb)
	b, _ := c.GetOrLoad(ctx, "b", models.BucketThumb)
	if _, err := c.GetOrLoad(ctx, "a", models.BucketThumb); err != nil { // a becomes MRU
		t.Fatalf("hit: %v", err)
	}
	if _, err := c.GetOrLoad(ctx, "c", models.BucketThumb); err != nil {
		t.Fatalf("load c: %v", err)
	}

	if _, ok := c.Peek("b", models.BucketThumb); ok {
		t.Error("b should have been evicted")
	}
	if !b.Released() || a.Released() {
		t.Errorf("released: a=%v b=%v", a.Released(), b.Released())
	}
	if c.Bytes() != 128 {
		t.Errorf("bytes = %d, want 128", c.Bytes())
	}
}

func TestGetOrLoad_OversizeAssetIsNotCached(t *testing.T) {
	l := newLoader()
	l.put("big", encodePNG(t, 10, 10))
	c := newCache(t, l, 100)

	a, err := c.GetOrLoad(context.Background(), "big", models.BucketFull)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if a.Size != 400 || c.Len() != 0 || c.Bytes() != 0 {
		t.Errorf("size=%d len=%d bytes=%d", a.Size, c.Len(), c.Bytes())
	}
}

func TestGetOrLoad_CallerTimeoutStillFillsCache(t *testing.T) {
	l := newLoader()
	l.put("slow", encodePNG(t, 2, 2))
	l.gate = make(chan struct{})
	c := newCache(t, l, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.GetOrLoad(ctx, "slow", models.BucketThumb); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	close(l.gate)

	deadline := time.Now().Add(time.Second)
	for c.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Len() != 1 {
		t.Fatal("detached load did not populate the cache")
	}
}

func TestGetOrLoad_Errors(t *testing.T) {
	l := newLoader()
	l.put("junk", []byte("not an image"))
	c := newCache(t, l, 1<<20)

	if _, err := c.GetOrLoad(context.Background(), "missing", models.BucketThumb); err == nil {
		t.Error("expected loader error")
	}
	if _, err := c.GetOrLoad(context.Background(), "junk", models.BucketThumb); err == nil {
		t.Error("expected decode error")
	}
	if c.Len() != 0 {
		t.Errorf("failed loads cached: %d", c.Len())
	}
}

func TestPurge_ReleasesEverything(t *testing.T) {
	l := newLoader()
	l.put("a", encodePNG(t, 2, 2))
	c := newCache(t, l, 1<<20)
	a, _ := c.GetOrLoad(context.Background(), "a", models.BucketThumb)

	c.Purge()
	if !a.Released() || c.Len() != 0 || c.Bytes() != 0 {
		t.Errorf("after purge: released=%v len=%d bytes=%d", a.Released(), c.Len(), c.Bytes())
	}
}

// The byte total never exceeds the budget and matches the sum of cached
// entries, whatever the access pattern.
func TestCache_PropertyBudgetBound(t *testing.T) {
	sides := []int{1, 2, 3, 4, 6, 8}
	l := newLoader()
	for _, s := range sides {
		l.put(fmt.Sprint(s), encodePNG(t, s, s))
	}

	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.Int64Range(16, 400).Draw(t, "budget")
		c, err := New(l, Config{BudgetBytes: budget}, WithLogger(quiet()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		var seen []*Asset
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			side := rapid.SampledFrom(sides).Draw(t, "side")
			bucket := rapid.SampledFrom([]models.Bucket{models.BucketThumb, models.BucketFull}).Draw(t, "bucket")
			a, err := c.GetOrLoad(context.Background(), fmt.Sprint(side), bucket)
			if err != nil {
				t.Fatalf("GetOrLoad: %v", err)
			}
			seen = append(seen, a)
			if c.Bytes() > budget {
				t.Fatalf("bytes %d over budget %d", c.Bytes(), budget)
			}
		}
		var held int64
		for _, a := range uniq(seen) {
			cached, ok := c.Peek(a.Ref, a.Bucket)
			if ok && cached == a {
				held += a.Size
				if a.Released() {
					t.Fatalf("cached asset %s/%s released", a.Bucket, a.Ref)
				}
			}
		}
		if held != c.Bytes() {
			t.Fatalf("accounted %d, cached entries sum to %d", c.Bytes(), held)
		}
	})
}

func uniq(in []*Asset) []*Asset {
	seen := make(map[*Asset]bool, len(in))
	var out []*Asset
	for _, a := range in {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
