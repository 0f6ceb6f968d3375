// Package models defines the domain types shared by the loading pipeline.
package models

import (
	"fmt"
	"math"
	"sort"
)

// StructureRecord is the minimal skeleton of one node. It is immutable for
// the lifetime of a structure snapshot.
type StructureRecord struct {
	ID                string `json:"id" yaml:"id"`
	ParentID          string `json:"parent_id,omitempty" yaml:"parent,omitempty"`
	SecondaryParentID string `json:"secondary_parent_id,omitempty" yaml:"secondary_parent,omitempty"`
	Generation        int    `json:"generation" yaml:"generation"`
	OrderKey          int    `json:"order_key" yaml:"order"`
	DisplayKey        string `json:"display_key" yaml:"display"`
}

// StructureSnapshot is the payload of a structure fetch.
type StructureSnapshot struct {
	Version int64             `json:"version"`
	Records []StructureRecord `json:"records"`
}

// EnrichedNode is a StructureRecord plus optional rich fields. A nil or
// empty field means "not provided" and never clears an existing value.
type EnrichedNode struct {
	StructureRecord
	Biography *string           `json:"biography,omitempty"`
	Email     *string           `json:"email,omitempty"`
	Phone     *string           `json:"phone,omitempty"`
	BirthDate *string           `json:"birth_date,omitempty"`
	DeathDate *string           `json:"death_date,omitempty"`
	Location  *string           `json:"location,omitempty"`
	PhotoRef  *string           `json:"photo_ref,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// CrossRefRecord is a cross-reference fetch result carrying a tombstone flag.
type CrossRefRecord struct {
	Node       EnrichedNode `json:"node"`
	Tombstoned bool         `json:"tombstoned"`
}

// Node is the best-known record for one id held by the node store.
type Node struct {
	StructureRecord
	Biography string            `json:"biography,omitempty"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	BirthDate string            `json:"birth_date,omitempty"`
	DeathDate string            `json:"death_date,omitempty"`
	Location  string            `json:"location,omitempty"`
	PhotoRef  string            `json:"photo_ref,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	Enriched  bool              `json:"enriched"`
}

// LayoutPosition is the world-space coordinate assigned to a node.
type LayoutPosition struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Point is a world-space point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist2 returns the squared distance between p and q.
func (p Point) Dist2(q Point) float64 {
	dx, dy := p.X-q.X, p.Y-q.Y
	return dx*dx + dy*dy
}

// Rect is an axis-aligned rectangle. Min is inclusive, Max is inclusive.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Contains reports whether (x, y) lies inside r.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Expand grows r by d on every side.
func (r Rect) Expand(d float64) Rect {
	return Rect{MinX: r.MinX - d, MinY: r.MinY - d, MaxX: r.MaxX + d, MaxY: r.MaxY + d}
}

// Center returns the midpoint of r.
func (r Rect) Center() Point {
	return Point{X: (r.MinX + r.MaxX) / 2, Y: (r.MinY + r.MaxY) / 2}
}

// Viewport is a screen-space view transform: a Width×Height screen showing
// the world scaled by Zoom and translated by (PanX, PanY).
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	PanX   float64 `json:"pan_x"`
	PanY   float64 `json:"pan_y"`
	Zoom   float64 `json:"zoom"`
}

// World returns the world-space rectangle covered by the screen, using the
// inverse transform world = (screen - pan) / zoom.
func (v Viewport) World() Rect {
	z := v.Zoom
	if z <= 0 || math.IsNaN(z) {
		z = 1
	}
	return Rect{
		MinX: (0 - v.PanX) / z,
		MinY: (0 - v.PanY) / z,
		MaxX: (v.Width - v.PanX) / z,
		MaxY: (v.Height - v.PanY) / z,
	}
}

// Center returns the world-space centre of the viewport.
func (v Viewport) Center() Point {
	return v.World().Center()
}

// Tier is a discrete detail level.
type Tier int

const (
	TierMinimal Tier = iota
	TierMedium
	TierFull
)

func (t Tier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierMedium:
		return "medium"
	default:
		return "minimal"
	}
}

// MarshalText encodes the tier by name so it reads well in JSON.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts the names produced by MarshalText.
func (t *Tier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "full":
		*t = TierFull
	case "medium":
		*t = TierMedium
	case "minimal":
		*t = TierMinimal
	default:
		return fmt.Errorf("unknown tier %q", b)
	}
	return nil
}

// Bucket is a discrete asset resolution tier.
type Bucket string

const (
	BucketThumb  Bucket = "thumb"
	BucketMedium Bucket = "medium"
	BucketFull   Bucket = "full"
)

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketThumb, BucketMedium, BucketFull:
		return true
	}
	return false
}

// IDSet is a set of node ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id.
func (s IDSet) Add(id string) { s[id] = struct{}{} }

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
