package visibility

import (
	"math"
	"sync"
	"time"

	"github.com/starford/arbor/internal/models"
)

// PaddingPolicy decides the lookahead margin, in world units, for a viewport
// observed at a given time.
type PaddingPolicy interface {
	Padding(v models.Viewport, at time.Time) float64
}

// FixedPadding always returns the same margin.
type FixedPadding float64

func (f FixedPadding) Padding(models.Viewport, time.Time) float64 { return float64(f) }

// AdaptivePadding widens the margin with pan speed so the enrichment round
// trip does not fall behind a fast pan:
//
//	padding = clamp(Base + speed × Lookahead, Base, Max)
//
// where speed is the smoothed world-space velocity of the viewport centre.
type AdaptivePadding struct {
	Base      float64
	Max       float64
	Lookahead time.Duration
	// Smoothing is the weight of the newest velocity sample (0..1].
	Smoothing float64

	mu     sync.Mutex
	seen   bool
	last   models.Point
	lastAt time.Time
	speed  float64
}

// NewAdaptivePadding returns a policy with a smoothing factor of 0.5.
func NewAdaptivePadding(base, max float64, lookahead time.Duration) *AdaptivePadding {
	if max < base {
		max = base
	}
	return &AdaptivePadding{Base: base, Max: max, Lookahead: lookahead, Smoothing: 0.5}
}

func (a *AdaptivePadding) Padding(v models.Viewport, at time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := v.Center()
	if a.seen {
		if dt := at.Sub(a.lastAt).Seconds(); dt > 0 {
			sample := math.Sqrt(c.Dist2(a.last)) / dt
			w := a.Smoothing
			if w <= 0 || w > 1 {
				w = 1
			}
			a.speed = w*sample + (1-w)*a.speed
		}
	}
	a.seen, a.last, a.lastAt = true, c, at

	p := a.Base + a.speed*a.Lookahead.Seconds()
	return math.Max(a.Base, math.Min(p, a.Max))
}

// Speed returns the current smoothed speed in world units per second.
func (a *AdaptivePadding) Speed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed
}
