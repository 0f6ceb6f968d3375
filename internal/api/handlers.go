package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/graphservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *graphservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *graphservice.Service) *Handler {
	return &Handler{svc: svc}
}

// Structure handles GET /api/structure.
//
// The response carries an ETag of the structure version; a matching
// If-None-Match gets 304.
//
//	@Summary		Get the hierarchy skeleton
//	@Tags			structure
//	@Produce		json
//	@Success		200	{object}	models.StructureSnapshot
//	@Success		304
//	@Security		BearerAuth
//	@Router			/structure [get]
func (h *Handler) Structure(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Structure(r.Context())
	if err != nil {
		slog.Error("structure failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	etag := `"v` + strconv.FormatInt(snap.Version, 10) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Enrich handles POST /api/enrich.
//
//	@Summary		Get detail records for live nodes
//	@Tags			nodes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		IDsRequest	true	"Ids to enrich"
//	@Success		200		{object}	EnrichResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/enrich [post]
func (h *Handler) Enrich(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	nodes, err := h.svc.Enrich(r.Context(), ids)
	if err != nil {
		writeServiceError(w, "enrich", err)
		return
	}
	writeJSON(w, http.StatusOK, EnrichResponse{Nodes: nodes})
}

// CrossRef handles POST /api/xref.
//
//	@Summary		Get records with tombstone flags
//	@Tags			nodes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		IDsRequest	true	"Ids to look up"
//	@Success		200		{object}	CrossRefResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/xref [post]
func (h *Handler) CrossRef(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	recs, err := h.svc.CrossRef(r.Context(), ids)
	if err != nil {
		writeServiceError(w, "xref", err)
		return
	}
	writeJSON(w, http.StatusOK, CrossRefResponse{Records: recs})
}

// Tombstone handles POST /api/nodes/{id}/tombstone.
//
//	@Summary		Soft-delete a node
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	TombstoneResponse
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/tombstone [post]
func (h *Handler) Tombstone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	v, err := h.svc.Tombstone(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		case errors.Is(err, apperr.ErrConflict):
			writeJSON(w, http.StatusConflict, errorBody("already tombstoned"))
		default:
			slog.Error("tombstone failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, TombstoneResponse{ID: id, Version: v})
}

