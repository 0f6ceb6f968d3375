// Package tier maps a node's on-screen size to a detail tier with
// hysteresis, and caps what is drawn when zoomed far out.
package tier

import (
	"sync"
	"time"

	"github.com/starford/arbor/internal/clock"
	"github.com/starford/arbor/internal/models"
)

// Thresholds configures tier boundaries in screen pixels of effective size.
type Thresholds struct {
	MediumAt float64
	FullAt   float64
	// Hysteresis is the band fraction: a tier is entered at
	// boundary×(1+Hysteresis) and left below boundary×(1−Hysteresis).
	Hysteresis float64
	// PromoteDelay is how long a promotion must keep qualifying before it
	// is committed. Demotions are immediate.
	PromoteDelay time.Duration
}

// DefaultThresholds returns the boundaries used by the session by default.
func DefaultThresholds() Thresholds {
	return Thresholds{MediumAt: 24, FullAt: 96, Hysteresis: 0.15, PromoteDelay: 150 * time.Millisecond}
}

type state struct {
	tier    models.Tier
	pending models.Tier
	since   time.Time
	waiting bool
}

// Classifier remembers the committed tier of every node it has seen.
// It is safe for concurrent use.
type Classifier struct {
	th    Thresholds
	clock clock.Clock

	mu    sync.Mutex
	nodes map[string]*state
}

// New returns a Classifier. A nil clock uses the real clock.
func New(th Thresholds, c clock.Clock) *Classifier {
	if c == nil {
		c = clock.Real()
	}
	if th.Hysteresis < 0 || th.Hysteresis >= 1 {
		th.Hysteresis = 0
	}
	return &Classifier{th: th, clock: c, nodes: make(map[string]*state)}
}

// Classify returns the committed tier of id for a node of nominalSize world
// units rendered at zoom.
func (c *Classifier) Classify(id string, nominalSize, zoom float64) models.Tier {
	eff := nominalSize * zoom
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.nodes[id]
	if !ok {
		// First sighting has nothing to flicker from.
		c.nodes[id] = &state{tier: c.direct(eff)}
		return c.nodes[id].tier
	}

	target := c.target(s.tier, eff)
	switch {
	case target < s.tier:
		s.tier, s.waiting = target, false
	case target == s.tier:
		s.waiting = false
	default:
		if !s.waiting || s.pending != target {
			s.pending, s.since, s.waiting = target, now, true
		}
		if now.Sub(s.since) >= c.th.PromoteDelay {
			s.tier, s.waiting = target, false
		}
	}
	return s.tier
}

// direct classifies without hysteresis.
func (c *Classifier) direct(eff float64) models.Tier {
	switch {
	case eff >= c.th.FullAt:
		return models.TierFull
	case eff >= c.th.MediumAt:
		return models.TierMedium
	default:
		return models.TierMinimal
	}
}

// target applies the hysteresis band relative to the current tier.
func (c *Classifier) target(cur models.Tier, eff float64) models.Tier {
	up, down := 1+c.th.Hysteresis, 1-c.th.Hysteresis
	switch cur {
	case models.TierFull:
		switch {
		case eff < c.th.MediumAt*down:
			return models.TierMinimal
		case eff < c.th.FullAt*down:
			return models.TierMedium
		}
		return models.TierFull
	case models.TierMedium:
		switch {
		case eff >= c.th.FullAt*up:
			return models.TierFull
		case eff < c.th.MediumAt*down:
			return models.TierMinimal
		}
		return models.TierMedium
	default:
		switch {
		case eff >= c.th.FullAt*up:
			return models.TierFull
		case eff >= c.th.MediumAt*up:
			return models.TierMedium
		}
		return models.TierMinimal
	}
}

// Tier returns the committed tier of id without reclassifying it.
func (c *Classifier) Tier(id string) (models.Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.nodes[id]
	if !ok {
		return models.TierMinimal, false
	}
	return s.tier, true
}

// PendingPromotions counts nodes waiting out their promotion delay.
func (c *Classifier) PendingPromotions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.nodes {
		if s.waiting {
			n++
		}
	}
	return n
}

// NextPromotion returns how long until the earliest waiting promotion falls
// due. ok is false when nothing is waiting.
func (c *Classifier) NextPromotion() (wait time.Duration, ok bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.nodes {
		if !s.waiting {
			continue
		}
		d := s.since.Add(c.th.PromoteDelay).Sub(now)
		if d < 0 {
			d = 0
		}
		if !ok || d < wait {
			wait, ok = d, true
		}
	}
	return wait, ok
}

// Retain drops state for every node not in keep.
func (c *Classifier) Retain(keep models.IDSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.nodes {
		if !keep.Has(id) {
			delete(c.nodes, id)
		}
	}
}

// Forget drops state for id.
func (c *Classifier) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
}
