package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.Flush("debounce", "ok", time.Millisecond)
	c.Merged(3)
	c.AssetHit()
	c.Version(7)
	if c.Registry() != nil {
		t.Error("nil collector returned a registry")
	}
}

func TestCollector_Counts(t *testing.T) {
	c := New()
	c.Flush("deadline", "ok", 10*time.Millisecond)
	c.Flush("deadline", "ok", 10*time.Millisecond)
	c.Merged(5)
	c.AssetMiss()
	c.AssetBytesHeld(4096)

	if got := testutil.ToFloat64(c.EnrichFlushes.WithLabelValues("deadline", "ok")); got != 2 {
		t.Errorf("flushes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.EnrichMerged); got != 5 {
		t.Errorf("merged = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.AssetBytes); got != 4096 {
		t.Errorf("asset bytes = %v, want 4096", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.Version(42)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "arbor_structure_version 42") {
		t.Errorf("metrics output missing version gauge:\n%s", body)
	}
}
