package tier

import (
	"sort"

	"github.com/starford/arbor/internal/layout"
	"github.com/starford/arbor/internal/models"
)

// OverviewLimits caps what is drawn at the zoomed-out extreme.
type OverviewLimits struct {
	MaxNodes int
	MaxEdges int
	// Hubs is the number of branch hubs shown besides the roots.
	Hubs int
}

// DefaultOverviewLimits returns a ceiling of a few hundred nodes and edges.
func DefaultOverviewLimits() OverviewLimits {
	return OverviewLimits{MaxNodes: 300, MaxEdges: 300, Hubs: 24}
}

// Edge is a drawn parent→child connection.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Overview is the set of nodes and edges to draw for one frame.
type Overview struct {
	Aggregated bool         `json:"aggregated"`
	Nodes      []string     `json:"nodes"`
	Hubs       []layout.Hub `json:"hubs,omitempty"`
	Edges      []Edge       `json:"edges"`
}

// BuildOverview returns visible unchanged when it fits the limits. Beyond
// them, subtrees collapse into the roots plus the largest branches.
func BuildOverview(l *layout.Layout, visible models.IDSet, lim OverviewLimits) Overview {
	if lim.MaxNodes <= 0 || len(visible) <= lim.MaxNodes {
		ids := visible.Sorted()
		var edges []Edge
		for _, id := range ids {
			if p, ok := l.Parent(id); ok && visible.Has(p) {
				edges = append(edges, Edge{From: p, To: id})
			}
		}
		return Overview{Nodes: ids, Edges: capEdges(edges, lim.MaxEdges)}
	}

	k := lim.Hubs
	if room := lim.MaxNodes - len(l.Roots()); k > room {
		k = room
	}
	hubs := l.Hubs(k)
	if len(hubs) > lim.MaxNodes {
		hubs = hubs[:lim.MaxNodes]
	}
	kept := make(models.IDSet, len(hubs))
	for _, h := range hubs {
		kept.Add(h.ID)
	}
	ov := Overview{Aggregated: true, Hubs: hubs, Nodes: make([]string, 0, len(hubs))}
	var edges []Edge
	for _, h := range hubs {
		ov.Nodes = append(ov.Nodes, h.ID)
		if h.ParentHub != "" && kept.Has(h.ParentHub) {
			edges = append(edges, Edge{From: h.ParentHub, To: h.ID})
		}
	}
	ov.Edges = capEdges(edges, lim.MaxEdges)
	return ov
}

func capEdges(edges []Edge, max int) []Edge {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	if max > 0 && len(edges) > max {
		edges = edges[:max]
	}
	if edges == nil {
		edges = []Edge{}
	}
	return edges
}
