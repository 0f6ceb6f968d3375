// Package layout computes deterministic world coordinates for every node of
// a structure snapshot, exactly once.
//
// The hierarchy is held as an arena: records are addressed by index and
// linked through explicit parent indexes, never through object pointers, and
// every traversal uses an explicit stack so malformed data cannot exhaust the
// goroutine stack.
package layout

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/models"
)

// Options tunes spacing and the depth limit.
type Options struct {
	LevelSpacing   float64
	SiblingSpacing float64
	// MaxDepth is the maximum number of generations, root included.
	MaxDepth int
}

// DefaultOptions returns the spacing used by the session by default.
func DefaultOptions() Options {
	return Options{LevelSpacing: 240, SiblingSpacing: 160, MaxDepth: 20}
}

// Layout is an immutable table of positions for one structure snapshot.
type Layout struct {
	ids      []string
	index    map[string]int
	parent   []int
	children [][]int
	roots    []int
	depth    []int
	subtree  []int
	pos      []models.LayoutPosition
	bounds   models.Rect
	// ranked holds non-root indexes by descending subtree size.
	ranked []int
}

// Compute lays out records. The result depends only on the records and the
// sibling order (OrderKey, then DisplayKey, then ID, all ascending), so two
// calls with the same input produce identical coordinates.
func Compute(records []models.StructureRecord, opts Options) (*Layout, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultOptions().MaxDepth
	}
	if opts.LevelSpacing <= 0 {
		opts.LevelSpacing = DefaultOptions().LevelSpacing
	}
	if opts.SiblingSpacing <= 0 {
		opts.SiblingSpacing = DefaultOptions().SiblingSpacing
	}

	n := len(records)
	l := &Layout{
		ids:      make([]string, n),
		index:    make(map[string]int, n),
		parent:   make([]int, n),
		children: make([][]int, n),
		depth:    make([]int, n),
		subtree:  make([]int, n),
		pos:      make([]models.LayoutPosition, n),
	}
	for i, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("layout: record %d has empty id: %w", i, apperr.ErrMalformedHierarchy)
		}
		if _, dup := l.index[r.ID]; dup {
			return nil, fmt.Errorf("layout: duplicate id %q: %w", r.ID, apperr.ErrMalformedHierarchy)
		}
		l.ids[i] = r.ID
		l.index[r.ID] = i
	}
	for i, r := range records {
		l.parent[i] = -1
		if r.ParentID == "" {
			continue
		}
		if r.ParentID == r.ID {
			return nil, fmt.Errorf("layout: %q is its own parent: %w", r.ID, apperr.ErrMalformedHierarchy)
		}
		if p, ok := l.index[r.ParentID]; ok {
			l.parent[i] = p
			l.children[p] = append(l.children[p], i)
		}
	}
	if err := checkAcyclic(l.parent); err != nil {
		return nil, err
	}

	less := func(a, b int) bool {
		ra, rb := records[a], records[b]
		if ra.OrderKey != rb.OrderKey {
			return ra.OrderKey < rb.OrderKey
		}
		if ra.DisplayKey != rb.DisplayKey {
			return ra.DisplayKey < rb.DisplayKey
		}
		return ra.ID < rb.ID
	}
	for i := range l.children {
		kids := l.children[i]
		sort.Slice(kids, func(x, y int) bool { return less(kids[x], kids[y]) })
	}
	for i := range l.parent {
		if l.parent[i] < 0 {
			l.roots = append(l.roots, i)
		}
	}
	sort.Slice(l.roots, func(x, y int) bool { return less(l.roots[x], l.roots[y]) })

	order, err := l.preorder(opts.MaxDepth)
	if err != nil {
		return nil, err
	}
	l.place(order, opts)
	l.rank()
	return l, nil
}

// checkAcyclic rejects parent chains that loop back on themselves.
func checkAcyclic(parent []int) error {
	g := simple.NewDirectedGraph()
	for i := range parent {
		g.AddNode(simple.Node(int64(i)))
	}
	for i, p := range parent {
		if p >= 0 {
			g.SetEdge(g.NewEdge(simple.Node(int64(p)), simple.Node(int64(i))))
		}
	}
	if _, err := topo.Sort(g); err != nil {
		var cyc topo.Unorderable
		if errors.As(err, &cyc) {
			return fmt.Errorf("layout: %d parent cycle(s): %w", len(cyc), apperr.ErrMalformedHierarchy)
		}
		return fmt.Errorf("layout: %v: %w", err, apperr.ErrMalformedHierarchy)
	}
	return nil
}

// preorder walks every tree from its root, recording depth, and returns the
// visit order. Depths beyond maxDepth generations are rejected.
func (l *Layout) preorder(maxDepth int) ([]int, error) {
	order := make([]int, 0, len(l.ids))
	stack := make([]int, 0, 64)
	for _, root := range l.roots {
		stack = append(stack[:0], root)
		l.depth[root] = 0
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			order = append(order, i)
			if l.depth[i]+1 > maxDepth {
				return nil, fmt.Errorf("layout: %q exceeds %d generations: %w", l.ids[i], maxDepth, apperr.ErrMalformedHierarchy)
			}
			kids := l.children[i]
			for k := len(kids) - 1; k >= 0; k-- {
				l.depth[kids[k]] = l.depth[i] + 1
				stack = append(stack, kids[k])
			}
		}
	}
	if len(order) != len(l.ids) {
		return nil, fmt.Errorf("layout: %d node(s) unreachable from any root: %w", len(l.ids)-len(order), apperr.ErrMalformedHierarchy)
	}
	return order, nil
}

// place assigns leaves consecutive horizontal slots in visit order and
// centres every parent over its first and last child.
func (l *Layout) place(order []int, opts Options) {
	slot := 0
	prevRoot := -1
	for _, i := range order {
		if l.parent[i] < 0 {
			if prevRoot >= 0 {
				slot++ // gap between trees
			}
			prevRoot = i
		}
		if len(l.children[i]) == 0 {
			l.pos[i].X = float64(slot) * opts.SiblingSpacing
			slot++
		}
	}

	l.bounds = models.Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for k := len(order) - 1; k >= 0; k-- {
		i := order[k]
		l.subtree[i] = 1
		if kids := l.children[i]; len(kids) > 0 {
			l.pos[i].X = (l.pos[kids[0]].X + l.pos[kids[len(kids)-1]].X) / 2
			for _, c := range kids {
				l.subtree[i] += l.subtree[c]
			}
		}
		l.pos[i].ID = l.ids[i]
		l.pos[i].Y = float64(l.depth[i]) * opts.LevelSpacing

		p := l.pos[i]
		l.bounds.MinX = math.Min(l.bounds.MinX, p.X)
		l.bounds.MinY = math.Min(l.bounds.MinY, p.Y)
		l.bounds.MaxX = math.Max(l.bounds.MaxX, p.X)
		l.bounds.MaxY = math.Max(l.bounds.MaxY, p.Y)
	}
	if len(order) == 0 {
		l.bounds = models.Rect{}
	}
}

func (l *Layout) rank() {
	for i := range l.ids {
		if l.parent[i] >= 0 {
			l.ranked = append(l.ranked, i)
		}
	}
	sort.Slice(l.ranked, func(x, y int) bool {
		a, b := l.ranked[x], l.ranked[y]
		if l.subtree[a] != l.subtree[b] {
			return l.subtree[a] > l.subtree[b]
		}
		return l.ids[a] < l.ids[b]
	})
}

// Len returns the number of positioned nodes.
func (l *Layout) Len() int { return len(l.ids) }

// Position returns the frozen position of id.
func (l *Layout) Position(id string) (models.LayoutPosition, bool) {
	i, ok := l.index[id]
	if !ok {
		return models.LayoutPosition{}, false
	}
	return l.pos[i], true
}

// Each calls fn for every position in visit-independent index order.
func (l *Layout) Each(fn func(p models.LayoutPosition)) {
	for _, p := range l.pos {
		fn(p)
	}
}

// Bounds returns the rectangle enclosing every position.
func (l *Layout) Bounds() models.Rect { return l.bounds }

// Parent returns the primary parent id of id, if any.
func (l *Layout) Parent(id string) (string, bool) {
	i, ok := l.index[id]
	if !ok || l.parent[i] < 0 {
		return "", false
	}
	return l.ids[l.parent[i]], true
}

// Depth returns the generation depth of id (roots are 0).
func (l *Layout) Depth(id string) int {
	if i, ok := l.index[id]; ok {
		return l.depth[i]
	}
	return -1
}

// SubtreeSize returns the number of nodes in id's subtree, id included.
func (l *Layout) SubtreeSize(id string) int {
	if i, ok := l.index[id]; ok {
		return l.subtree[i]
	}
	return 0
}

// Roots returns the root ids in layout order.
func (l *Layout) Roots() []string {
	out := make([]string, len(l.roots))
	for k, i := range l.roots {
		out[k] = l.ids[i]
	}
	return out
}
