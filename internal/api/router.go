package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/arbor/internal/graphservice"
	"github.com/starford/arbor/internal/metrics"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// m may be nil.
func NewRouter(svc *graphservice.Service, authEnabled bool, token string, sseHandler http.Handler, m *metrics.Collector) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/structure", h.Structure)
	r.Post("/enrich", h.Enrich)
	r.Post("/xref", h.CrossRef)
	r.Post("/nodes/{id}/tombstone", h.Tombstone)

	r.Get("/assets/{bucket}/{ref}", h.GetAsset)
	r.Put("/assets/{bucket}/{ref}", h.PutAsset)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
