package tier

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/starford/arbor/internal/clock"
	"github.com/starford/arbor/internal/layout"
	"github.com/starford/arbor/internal/models"
)

func newTestClassifier() (*Classifier, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1000, 0))
	return New(Thresholds{MediumAt: 20, FullAt: 100, Hysteresis: 0.15, PromoteDelay: 150 * time.Millisecond}, fc), fc
}

func TestClassify_FirstSightingIsDirect(t *testing.T) {
	c, _ := newTestClassifier()
	cases := []struct {
		size, zoom float64
		want       models.Tier
	}{
		{10, 1, models.TierMinimal},
		{10, 2, models.TierMedium},
		{50, 2, models.TierFull},
	}
	for i, tc := range cases {
		id := fmt.Sprintf("n%d", i)
		if got := c.Classify(id, tc.size, tc.zoom); got != tc.want {
			t.Errorf("%s: got %v, want %v", id, got, tc.want)
		}
	}
}

func TestClassify_PromotionWaitsForDelay(t *testing.T) {
	c, fc := newTestClassifier()
	c.Classify("n", 10, 1) // minimal

	if got := c.Classify("n", 10, 3); got != models.TierMinimal {
		t.Fatalf("promotion committed immediately: %v", got)
	}
	if c.PendingPromotions() != 1 {
		t.Fatalf("pending = %d, want 1", c.PendingPromotions())
	}
	fc.Advance(100 * time.Millisecond)
	if got := c.Classify("n", 10, 3); got != models.TierMinimal {
		t.Fatalf("promotion committed before delay: %v", got)
	}
	fc.Advance(60 * time.Millisecond)
	if got := c.Classify("n", 10, 3); got != models.TierMedium {
		t.Fatalf("after delay: got %v, want medium", got)
	}
	if c.PendingPromotions() != 0 {
		t.Errorf("pending after commit = %d", c.PendingPromotions())
	}
}

func TestNextPromotion_ReportsEarliestDue(t *testing.T) {
	c, fc := newTestClassifier()
	if _, ok := c.NextPromotion(); ok {
		t.Fatal("nothing waiting yet")
	}
	c.Classify("a", 10, 1)
	c.Classify("b", 10, 1)
	c.Classify("a", 10, 3)
	fc.Advance(50 * time.Millisecond)
	c.Classify("b", 10, 3)

	wait, ok := c.NextPromotion()
	if !ok || wait != 100*time.Millisecond {
		t.Fatalf("wait = %v ok = %v, want 100ms", wait, ok)
	}
	fc.Advance(time.Second)
	if wait, ok := c.NextPromotion(); !ok || wait != 0 {
		t.Errorf("overdue wait = %v ok = %v, want 0", wait, ok)
	}
	c.Classify("a", 10, 3)
	c.Classify("b", 10, 3)
	if _, ok := c.NextPromotion(); ok {
		t.Error("committed promotions still reported")
	}
}

func TestClassify_InterruptedPromotionRestarts(t *testing.T) {
	c, fc := newTestClassifier()
	c.Classify("n", 10, 1)
	c.Classify("n", 10, 3)
	fc.Advance(100 * time.Millisecond)
	c.Classify("n", 10, 1) // back inside minimal, pending cleared
	fc.Advance(100 * time.Millisecond)
	if got := c.Classify("n", 10, 3); got != models.TierMinimal {
		t.Fatalf("stale promotion timer reused: %v", got)
	}
}

func TestClassify_DemotionIsImmediate(t *testing.T) {
	c, _ := newTestClassifier()
	c.Classify("n", 200, 1) // full
	if got := c.Classify("n", 10, 1); got != models.TierMinimal {
		t.Fatalf("got %v, want minimal", got)
	}
}

func TestClassify_HysteresisBand(t *testing.T) {
	c, fc := newTestClassifier()
	c.Classify("n", 25, 1) // medium on first sighting
	// 18 is below 20 but above 20×0.85, so medium holds.
	if got := c.Classify("n", 18, 1); got != models.TierMedium {
		t.Errorf("inside band: got %v, want medium", got)
	}
	if got := c.Classify("n", 16, 1); got != models.TierMinimal {
		t.Errorf("below band: got %v, want minimal", got)
	}
	// 22 is above 20 but below 20×1.15, so minimal holds even after the delay.
	c.Classify("n", 22, 1)
	fc.Advance(time.Second)
	if got := c.Classify("n", 22, 1); got != models.TierMinimal {
		t.Errorf("re-entry inside band: got %v, want minimal", got)
	}
}

func TestClassify_RetainAndForget(t *testing.T) {
	c, _ := newTestClassifier()
	for _, id := range []string{"a", "b", "c"} {
		c.Classify(id, 200, 1)
	}
	c.Retain(models.NewIDSet("a", "b"))
	if _, ok := c.Tier("c"); ok {
		t.Error("c survived Retain")
	}
	c.Forget("a")
	if _, ok := c.Tier("a"); ok {
		t.Error("a survived Forget")
	}
	if tr, ok := c.Tier("b"); !ok || tr != models.TierFull {
		t.Errorf("b = %v, %v", tr, ok)
	}
}

// Oscillating the zoom inside one hysteresis band must change the tier at
// most once, no matter how the samples are timed.
func TestClassify_PropertyBandIsStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c, fc := newTestClassifier()
		boundary := rapid.SampledFrom([]float64{20, 100}).Draw(t, "boundary")
		lo, hi := boundary*0.86, boundary*1.14

		prev := c.Classify("n", rapid.Float64Range(lo, hi).Draw(t, "first"), 1)
		changes := 0
		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			fc.Advance(time.Duration(rapid.IntRange(0, 400).Draw(t, "dt")) * time.Millisecond)
			got := c.Classify("n", rapid.Float64Range(lo, hi).Draw(t, "size"), 1)
			if got != prev {
				changes++
				prev = got
			}
		}
		if changes > 1 {
			t.Fatalf("tier changed %d times inside the band around %v", changes, boundary)
		}
	})
}

func TestBuildOverview_UnderLimitKeepsVisible(t *testing.T) {
	l, err := layout.Compute([]models.StructureRecord{
		{ID: "r"}, {ID: "a", ParentID: "r"}, {ID: "b", ParentID: "r"},
	}, layout.DefaultOptions())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	ov := BuildOverview(l, models.NewIDSet("r", "a"), DefaultOverviewLimits())
	if ov.Aggregated {
		t.Fatal("small view aggregated")
	}
	if fmt.Sprint(ov.Nodes) != "[a r]" {
		t.Errorf("nodes = %v", ov.Nodes)
	}
	if len(ov.Edges) != 1 || ov.Edges[0] != (Edge{From: "r", To: "a"}) {
		t.Errorf("edges = %v", ov.Edges)
	}
}

func TestBuildOverview_CapsLargeView(t *testing.T) {
	recs := []models.StructureRecord{{ID: "r"}}
	for i := 0; i < 30; i++ {
		branch := fmt.Sprintf("b%02d", i)
		recs = append(recs, models.StructureRecord{ID: branch, ParentID: "r"})
		for j := 0; j < i; j++ {
			recs = append(recs, models.StructureRecord{ID: fmt.Sprintf("%s-%d", branch, j), ParentID: branch})
		}
	}
	l, err := layout.Compute(recs, layout.DefaultOptions())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	visible := make(models.IDSet, len(recs))
	for _, r := range recs {
		visible.Add(r.ID)
	}
	lim := OverviewLimits{MaxNodes: 10, MaxEdges: 5, Hubs: 50}
	ov := BuildOverview(l, visible, lim)
	if !ov.Aggregated {
		t.Fatal("expected aggregation")
	}
	if len(ov.Nodes) > lim.MaxNodes || len(ov.Edges) > lim.MaxEdges {
		t.Fatalf("limits exceeded: %d nodes, %d edges", len(ov.Nodes), len(ov.Edges))
	}
	if ov.Nodes[0] != "r" || ov.Nodes[1] != "b29" {
		t.Errorf("nodes = %v, want root then largest branch", ov.Nodes)
	}
	total := 0
	for _, h := range ov.Hubs {
		total += h.Collapsed
	}
	if total != l.Len() {
		t.Errorf("hubs represent %d nodes, want %d", total, l.Len())
	}
}
