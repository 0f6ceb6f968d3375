// Package backend defines what the viewer needs from the data service and
// an HTTP client for the reference server.
package backend

import (
	"context"

	"github.com/starford/arbor/internal/models"
)

// StructureFetcher returns the full hierarchy skeleton.
type StructureFetcher interface {
	Structure(ctx context.Context) (models.StructureSnapshot, error)
}

// EnrichFetcher returns detail records for ids; unknown ids are omitted.
type EnrichFetcher interface {
	Enrich(ctx context.Context, ids []string) ([]models.EnrichedNode, error)
}

// CrossRefFetcher is like EnrichFetcher but reports tombstoned records too.
type CrossRefFetcher interface {
	CrossRef(ctx context.Context, ids []string) ([]models.CrossRefRecord, error)
}

// AssetFetcher returns the encoded bytes of an image variant.
type AssetFetcher interface {
	Asset(ctx context.Context, ref string, bucket models.Bucket) ([]byte, error)
}

// Backend is everything a viewer session talks to.
type Backend interface {
	StructureFetcher
	EnrichFetcher
	CrossRefFetcher
	AssetFetcher
}

// IDsRequest is the body of the enrich and cross-reference calls.
type IDsRequest struct {
	IDs []string `json:"ids"`
}

// EnrichResponse is returned by POST /api/enrich.
type EnrichResponse struct {
	Nodes []models.EnrichedNode `json:"nodes"`
}

// CrossRefResponse is returned by POST /api/xref.
type CrossRefResponse struct {
	Records []models.CrossRefRecord `json:"records"`
}
