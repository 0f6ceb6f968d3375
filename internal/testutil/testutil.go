// Package testutil provides shared test helpers: temp datasets and record
// directories, and an in-memory backend with failure injection.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/backend"
	"github.com/starford/arbor/internal/dataset"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/storage"
)

// TestDB creates a temporary SQLite dataset that is automatically cleaned up.
func TestDB(t *testing.T) *dataset.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "arbor-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := dataset.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestRecords creates a temporary record directory with a storage.FS.
func TestRecords(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, fs
}

// PersonFile renders a minimal Markdown person record.
func PersonFile(id, parent, bio string) []byte {
	return []byte(fmt.Sprintf("---\nid: %s\nparent: %s\n---\n# %s\n%s\n", id, parent, id, bio))
}

// PNG encodes a solid w×h image.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// FakeBackend is an in-memory backend.Backend. Errors set with the Fail*
// methods are returned until cleared with nil.
type FakeBackend struct {
	mu         sync.Mutex
	version    int64
	order      []string
	nodes      map[string]models.EnrichedNode
	detailed   map[string]bool
	tombstoned map[string]bool
	assets     map[string][]byte

	structureErr error
	enrichErr    error
	xrefErr      error

	structureCalls int
	enrichCalls    [][]string
	xrefCalls      [][]string
	assetCalls     int
	gate           chan struct{}
}

var _ backend.Backend = (*FakeBackend)(nil)

// NewFakeBackend creates an empty backend at version 1.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		version:    1,
		nodes:      make(map[string]models.EnrichedNode),
		detailed:   make(map[string]bool),
		tombstoned: make(map[string]bool),
		assets:     make(map[string][]byte),
	}
}

// Add registers a node. Its pointer fields are what Enrich returns.
func (f *FakeBackend) Add(n models.EnrichedNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[n.ID]; !ok {
		f.order = append(f.order, n.ID)
	}
	f.nodes[n.ID] = n
	f.detailed[n.ID] = true
}

// AddStructureOnly registers a node that appears in the structure but
// that Enrich and CrossRef never return.
func (f *FakeBackend) AddStructureOnly(r models.StructureRecord) {
	f.Add(models.EnrichedNode{StructureRecord: r})
	f.mu.Lock()
	f.detailed[r.ID] = false
	f.mu.Unlock()
}

// Tombstone flags id as deleted.
func (f *FakeBackend) Tombstone(id string) {
	f.mu.Lock()
	f.tombstoned[id] = true
	f.mu.Unlock()
}

// SetVersion sets the structure version.
func (f *FakeBackend) SetVersion(v int64) {
	f.mu.Lock()
	f.version = v
	f.mu.Unlock()
}

// SetAsset stores encoded bytes for (ref, bucket).
func (f *FakeBackend) SetAsset(ref string, bucket models.Bucket, data []byte) {
	f.mu.Lock()
	f.assets[string(bucket)+"/"+ref] = data
	f.mu.Unlock()
}

func (f *FakeBackend) FailStructure(err error) { f.mu.Lock(); f.structureErr = err; f.mu.Unlock() }
func (f *FakeBackend) FailEnrich(err error)    { f.mu.Lock(); f.enrichErr = err; f.mu.Unlock() }
func (f *FakeBackend) FailCrossRef(err error)  { f.mu.Lock(); f.xrefErr = err; f.mu.Unlock() }

// Hold makes Enrich and CrossRef block until the returned release func is
// called or the request context ends.
func (f *FakeBackend) Hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gate = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == ch {
				f.gate = nil
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// StructureCalls returns how many structure fetches were made.
func (f *FakeBackend) StructureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.structureCalls
}

// EnrichCalls returns the ids of every enrich call, in call order.
func (f *FakeBackend) EnrichCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.enrichCalls))
	copy(out, f.enrichCalls)
	return out
}

// CrossRefCalls returns the ids of every cross-reference call.
func (f *FakeBackend) CrossRefCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.xrefCalls))
	copy(out, f.xrefCalls)
	return out
}

// AssetCalls returns how many asset fetches were made.
func (f *FakeBackend) AssetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assetCalls
}

func (f *FakeBackend) Structure(_ context.Context) (models.StructureSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.structureCalls++
	if f.structureErr != nil {
		return models.StructureSnapshot{}, f.structureErr
	}
	snap := models.StructureSnapshot{Version: f.version}
	ids := append([]string(nil), f.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if !f.tombstoned[id] {
			snap.Records = append(snap.Records, f.nodes[id].StructureRecord)
		}
	}
	return snap, nil
}

func (f *FakeBackend) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeBackend) Enrich(ctx context.Context, ids []string) ([]models.EnrichedNode, error) {
	f.mu.Lock()
	f.enrichCalls = append(f.enrichCalls, append([]string(nil), ids...))
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrichErr != nil {
		return nil, f.enrichErr
	}
	out := make([]models.EnrichedNode, 0, len(ids))
	for _, id := range ids {
		if n, ok := f.nodes[id]; ok && f.detailed[id] && !f.tombstoned[id] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *FakeBackend) CrossRef(ctx context.Context, ids []string) ([]models.CrossRefRecord, error) {
	f.mu.Lock()
	f.xrefCalls = append(f.xrefCalls, append([]string(nil), ids...))
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.xrefErr != nil {
		return nil, f.xrefErr
	}
	out := make([]models.CrossRefRecord, 0, len(ids))
	for _, id := range ids {
		if n, ok := f.nodes[id]; ok && f.detailed[id] {
			out = append(out, models.CrossRefRecord{Node: n, Tombstoned: f.tombstoned[id]})
		}
	}
	return out, nil
}

func (f *FakeBackend) Asset(_ context.Context, ref string, bucket models.Bucket) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assetCalls++
	data, ok := f.assets[string(bucket)+"/"+ref]
	if !ok {
		return nil, fmt.Errorf("fake asset %s/%s: %w", bucket, ref, apperr.ErrNotFound)
	}
	return data, nil
}
