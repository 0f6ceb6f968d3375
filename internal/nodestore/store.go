// Package nodestore holds the best-known record for every node and applies
// the additive merge discipline shared by all enrichment paths.
package nodestore

import (
	"maps"
	"sort"
	"sync"

	"github.com/starford/arbor/internal/models"
)

// Locator resolves a node's frozen layout position.
type Locator interface {
	Position(id string) (models.LayoutPosition, bool)
}

// Store maps node ids to their current record plus an enriched flag.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*models.Node
	enriched models.IDSet
}

// New seeds a store with structure-only records.
func New(records []models.StructureRecord) *Store {
	s := &Store{
		nodes:    make(map[string]*models.Node, len(records)),
		enriched: make(models.IDSet),
	}
	for _, r := range records {
		s.nodes[r.ID] = &models.Node{StructureRecord: r}
	}
	return s
}

// Len returns the number of known nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return models.Node{}, false
	}
	out := *n
	out.Extra = maps.Clone(n.Extra)
	return out, true
}

// Has reports whether id belongs to the structure snapshot.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// IsEnriched reports whether id has received at least one enrichment merge.
func (s *Store) IsEnriched(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enriched.Has(id)
}

// EnrichedCount returns the size of the enriched set.
func (s *Store) EnrichedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.enriched)
}

// Unenriched returns the ids of visible that are known but not yet enriched,
// in ascending order.
func (s *Store) Unenriched(ids models.IDSet) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for id := range ids {
		if _, known := s.nodes[id]; known && !s.enriched.Has(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Missing returns the ids that are not enriched, including unknown ids,
// deduplicated and in input order.
func (s *Store) Missing(ids []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(models.IDSet, len(ids))
	var out []string
	for _, id := range ids {
		if seen.Has(id) {
			continue
		}
		seen.Add(id)
		if !s.enriched.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Merge applies each record additively and returns the ids that were merged.
// Records whose id is not part of the structure snapshot are skipped.
func (s *Store) Merge(nodes []models.EnrichedNode) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]string, 0, len(nodes))
	for i := range nodes {
		cur, ok := s.nodes[nodes[i].ID]
		if !ok {
			continue
		}
		apply(cur, &nodes[i])
		s.enriched.Add(cur.ID)
		merged = append(merged, cur.ID)
	}
	return merged
}

// MergeNearestFirst orders nodes by ascending distance of their layout
// position from center, then merges them in that order. Nodes without a
// position sort last, by id.
func (s *Store) MergeNearestFirst(nodes []models.EnrichedNode, loc Locator, center models.Point) []string {
	OrderByDistance(nodes, loc, center)
	return s.Merge(nodes)
}

// OrderByDistance sorts nodes in place by distance from center.
func OrderByDistance(nodes []models.EnrichedNode, loc Locator, center models.Point) {
	dist := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		if p, ok := loc.Position(n.ID); ok {
			dist[n.ID] = center.Dist2(models.Point{X: p.X, Y: p.Y})
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		di, iok := dist[nodes[i].ID]
		dj, jok := dist[nodes[j].ID]
		switch {
		case iok && jok:
			if di != dj {
				return di < dj
			}
			return nodes[i].ID < nodes[j].ID
		case iok != jok:
			return iok
		default:
			return nodes[i].ID < nodes[j].ID
		}
	})
}

// apply overlays the provided fields of in onto cur. Structure fields are
// owned by the snapshot and never change here.
func apply(cur *models.Node, in *models.EnrichedNode) {
	set(&cur.Biography, in.Biography)
	set(&cur.Email, in.Email)
	set(&cur.Phone, in.Phone)
	set(&cur.BirthDate, in.BirthDate)
	set(&cur.DeathDate, in.DeathDate)
	set(&cur.Location, in.Location)
	set(&cur.PhotoRef, in.PhotoRef)
	for k, v := range in.Extra {
		if v == "" {
			continue
		}
		if cur.Extra == nil {
			cur.Extra = make(map[string]string, len(in.Extra))
		}
		cur.Extra[k] = v
	}
	cur.Enriched = true
}

func set(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}
