package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/arbor/internal/dataset"
	"github.com/starford/arbor/internal/graphservice"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/models"
	"github.com/starford/arbor/internal/sse"
	"github.com/starford/arbor/internal/testutil"
)

type env struct {
	dir    string
	svc    *graphservice.Service
	broker *sse.Broker
	m      *metrics.Collector
	router http.Handler
}

// testEnv sets up a temp record directory, SQLite dataset, service and
// router. An empty token means auth is disabled.
func testEnv(t *testing.T, token string) *env {
	t.Helper()
	dir, fs := testutil.TestRecords(t)
	db := testutil.TestDB(t)

	write := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("r.md", testutil.PersonFile("r", "", "Founder."))
	write("a.md", testutil.PersonFile("a", "r", "First child."))
	write("b.md", testutil.PersonFile("b", "r", ""))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if _, _, err := dataset.Sync(db, fs, logger); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	e := &env{dir: dir, broker: sse.NewBroker(50 * time.Millisecond), m: metrics.New()}
	t.Cleanup(e.broker.Close)
	e.svc = graphservice.NewService(db, fs,
		graphservice.WithNotifier(e.broker),
		graphservice.WithMetrics(e.m),
		graphservice.WithLogger(logger),
	)
	e.router = NewRouter(e.svc, token != "", token, e.broker, e.m)
	return e
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStructure_ETag(t *testing.T) {
	e := testEnv(t, "")

	w := do(t, e.router, http.MethodGet, "/structure", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var snap models.StructureSnapshot
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	if snap.Version != 1 || len(snap.Records) != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	etag := w.Header().Get("ETag")
	if etag != `"v1"` {
		t.Errorf("etag = %q", etag)
	}

	req := httptest.NewRequest(http.MethodGet, "/structure", nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional get = %d, want 304", w.Code)
	}
}

func TestEnrich_OmitsUnknownIDs(t *testing.T) {
	e := testEnv(t, "")

	w := do(t, e.router, http.MethodPost, "/enrich", IDsRequest{IDs: []string{"a", "ghost", "a", ""}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp EnrichResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Nodes) != 1 || resp.Nodes[0].ID != "a" || resp.Nodes[0].Biography == nil {
		t.Errorf("nodes = %+v", resp.Nodes)
	}
}

func TestEnrich_BadRequests(t *testing.T) {
	e := testEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/enrich", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid json = %d, want 400", w.Code)
	}

	ids := make([]string, graphservice.MaxIDs+1)
	for i := range ids {
		ids[i] = "x"
	}
	w = do(t, e.router, http.MethodPost, "/enrich", IDsRequest{IDs: ids})
	if w.Code != http.StatusBadRequest {
		t.Errorf("too many ids = %d, want 400", w.Code)
	}
}

func TestTombstone_FlagsAndNotifies(t *testing.T) {
	e := testEnv(t, "")
	ch := e.broker.Subscribe()
	defer e.broker.Unsubscribe(ch)

	w := do(t, e.router, http.MethodPost, "/nodes/b/tombstone", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tombstone = %d, body = %s", w.Code, w.Body.String())
	}
	var tr TombstoneResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tr)
	if tr.ID != "b" || tr.Version != 2 {
		t.Errorf("response = %+v", tr)
	}

	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), "node.tombstoned") || !strings.Contains(string(msg), `"id":"b"`) {
			t.Errorf("event = %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no tombstone event")
	}

	w = do(t, e.router, http.MethodPost, "/xref", IDsRequest{IDs: []string{"a", "b"}})
	var xr CrossRefResponse
	_ = json.Unmarshal(w.Body.Bytes(), &xr)
	if len(xr.Records) != 2 || xr.Records[0].Tombstoned || !xr.Records[1].Tombstoned {
		t.Errorf("xref = %+v", xr.Records)
	}

	if w := do(t, e.router, http.MethodPost, "/nodes/b/tombstone", nil); w.Code != http.StatusConflict {
		t.Errorf("second tombstone = %d, want 409", w.Code)
	}
	if w := do(t, e.router, http.MethodPost, "/nodes/ghost/tombstone", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown tombstone = %d, want 404", w.Code)
	}
}

func uploadAsset(t *testing.T, router http.Handler, path string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPut, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAssets_UploadAndServe(t *testing.T) {
	e := testEnv(t, "")
	img := testutil.PNG(t, 2, 2)

	w := uploadAsset(t, e.router, "/assets/thumb/r.png", img)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(e.dir, "thumb", "r.png")); err != nil {
		t.Errorf("asset not on disk: %v", err)
	}

	w = do(t, e.router, http.MethodGet, "/assets/thumb/r.png", nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), img) {
		t.Fatalf("get = %d, %d bytes", w.Code, w.Body.Len())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
}

func TestAssets_NotFoundAndBadBucket(t *testing.T) {
	e := testEnv(t, "")

	if w := do(t, e.router, http.MethodGet, "/assets/thumb/missing.png", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing asset = %d, want 404", w.Code)
	}
	if w := do(t, e.router, http.MethodGet, "/assets/huge/r.png", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad bucket = %d, want 400", w.Code)
	}
	if w := uploadAsset(t, e.router, "/assets/thumb/..", []byte("x")); w.Code == http.StatusCreated {
		t.Error("traversal ref accepted")
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := testEnv(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/structure", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := testEnv(t, "secret")
	if w := do(t, e.router, http.MethodGet, "/structure", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := testEnv(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/structure", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := testEnv(t, "secret")
	if w := do(t, e.router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := testEnv(t, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d, want 200", w.Code)
	}
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	e := testEnv(t, "")
	do(t, e.router, http.MethodPost, "/nodes/a/tombstone", nil)

	srv := httptest.NewServer(e.m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `route="/nodes/{id}/tombstone"`) {
		t.Errorf("metrics missing route label:\n%s", buf.String())
	}
}
