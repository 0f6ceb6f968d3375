package layout

// Hub is a representative node standing in for a collapsed subtree.
type Hub struct {
	ID string `json:"id"`
	// ParentHub is the nearest ancestor that is also a hub, or "".
	ParentHub string `json:"parent_hub,omitempty"`
	// Collapsed counts the nodes this hub represents, itself included,
	// excluding nodes represented by descendant hubs.
	Collapsed int `json:"collapsed"`
}

// Hubs returns every root plus the k non-root nodes with the largest
// subtrees: roots first, then branches by descending subtree size.
func (l *Layout) Hubs(k int) []Hub {
	if k < 0 {
		k = 0
	}
	if k > len(l.ranked) {
		k = len(l.ranked)
	}
	picked := make([]int, 0, len(l.roots)+k)
	picked = append(picked, l.roots...)
	picked = append(picked, l.ranked[:k]...)

	isHub := make(map[int]bool, len(picked))
	for _, i := range picked {
		isHub[i] = true
	}

	hubs := make([]Hub, len(picked))
	pos := make(map[int]int, len(picked))
	for n, i := range picked {
		pos[i] = n
		hubs[n] = Hub{ID: l.ids[i], Collapsed: l.subtree[i]}
	}
	for n, i := range picked {
		for a := l.parent[i]; a >= 0; a = l.parent[a] {
			if isHub[a] {
				hubs[n].ParentHub = l.ids[a]
				hubs[pos[a]].Collapsed -= l.subtree[i]
				break
			}
		}
	}
	return hubs
}
