// Package visibility answers "which nodes are in or near the viewport" over
// a frozen position table.
package visibility

import (
	"math"

	"github.com/starford/arbor/internal/models"
)

// LinearScanLimit is the node count at or below which queries scan every
// position instead of walking the grid.
const LinearScanLimit = 2048

// Positions is the read side of a layout.
type Positions interface {
	Len() int
	Each(fn func(p models.LayoutPosition))
}

type cell struct{ x, y int32 }

// Index buckets positions into a uniform grid built once per layout.
// Queries never mutate it, so it is safe for concurrent readers.
type Index struct {
	pos      []models.LayoutPosition
	cellSize float64
	cells    map[cell][]int32
}

// New builds an index. cellSize is in world units; values <= 0 pick 512.
func New(p Positions, cellSize float64) *Index {
	if cellSize <= 0 {
		cellSize = 512
	}
	ix := &Index{
		pos:      make([]models.LayoutPosition, 0, p.Len()),
		cellSize: cellSize,
	}
	p.Each(func(lp models.LayoutPosition) { ix.pos = append(ix.pos, lp) })
	if len(ix.pos) > LinearScanLimit {
		ix.cells = make(map[cell][]int32)
		for i, lp := range ix.pos {
			c := ix.cellOf(lp.X, lp.Y)
			ix.cells[c] = append(ix.cells[c], int32(i))
		}
	}
	return ix
}

// Len returns the number of indexed positions.
func (ix *Index) Len() int { return len(ix.pos) }

func (ix *Index) cellOf(x, y float64) cell {
	return cell{x: clampCell(x / ix.cellSize), y: clampCell(y / ix.cellSize)}
}

func clampCell(v float64) int32 {
	const bound = 1 << 30
	v = math.Floor(v)
	switch {
	case math.IsNaN(v):
		return 0
	case v > bound:
		return bound
	case v < -bound:
		return -bound
	}
	return int32(v)
}

// Query returns the world rectangle a viewport covers, grown by padding
// world units on every side.
func Query(v models.Viewport, padding float64) models.Rect {
	if padding < 0 || math.IsNaN(padding) {
		padding = 0
	}
	return v.World().Expand(padding)
}

// Visible returns the ids whose position falls inside Query(v, padding).
func (ix *Index) Visible(v models.Viewport, padding float64) models.IDSet {
	ids := ix.AppendVisible(nil, v, padding)
	out := make(models.IDSet, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// AppendVisible appends the visible ids to dst and returns it, so callers
// can reuse one buffer across frames.
func (ix *Index) AppendVisible(dst []string, v models.Viewport, padding float64) []string {
	r := Query(v, padding)
	if ix.cells == nil {
		for _, p := range ix.pos {
			if r.Contains(p.X, p.Y) {
				dst = append(dst, p.ID)
			}
		}
		return dst
	}

	lo, hi := ix.cellOf(r.MinX, r.MinY), ix.cellOf(r.MaxX, r.MaxY)
	span := (int64(hi.x) - int64(lo.x) + 1) * (int64(hi.y) - int64(lo.y) + 1)
	if span > int64(len(ix.cells)) {
		// Zoomed far out: walking occupied cells is cheaper than the range.
		for c, members := range ix.cells {
			if c.x < lo.x || c.x > hi.x || c.y < lo.y || c.y > hi.y {
				continue
			}
			dst = ix.appendMembers(dst, members, r)
		}
		return dst
	}
	for cx := lo.x; cx <= hi.x; cx++ {
		for cy := lo.y; cy <= hi.y; cy++ {
			if members, ok := ix.cells[cell{x: cx, y: cy}]; ok {
				dst = ix.appendMembers(dst, members, r)
			}
		}
	}
	return dst
}

func (ix *Index) appendMembers(dst []string, members []int32, r models.Rect) []string {
	for _, i := range members {
		p := ix.pos[i]
		if r.Contains(p.X, p.Y) {
			dst = append(dst, p.ID)
		}
	}
	return dst
}
