package api

import (
	"github.com/starford/arbor/internal/backend"
)

// IDsRequest is the request body for enrich and cross-reference calls.
type IDsRequest = backend.IDsRequest

// EnrichResponse wraps enriched nodes.
type EnrichResponse = backend.EnrichResponse

// CrossRefResponse wraps cross-reference records.
type CrossRefResponse = backend.CrossRefResponse

// TombstoneResponse is returned after a node is tombstoned.
type TombstoneResponse struct {
	ID      string `json:"id" example:"p-0001" validate:"required"`
	Version int64  `json:"version" example:"7" validate:"required"`
}

// AssetUploadResponse is returned after a successful asset upload.
type AssetUploadResponse struct {
	Ref    string `json:"ref" example:"p-0001.png" validate:"required"`
	Bucket string `json:"bucket" example:"thumb" validate:"required"`
	Size   int64  `json:"size" example:"12345" validate:"required"`
	URL    string `json:"url" example:"/api/assets/thumb/p-0001.png" validate:"required"`
}
