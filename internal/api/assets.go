package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/models"
)

const maxUploadBytes = 50 << 20 // 50 MB

// assetKey extracts and validates {bucket} and {ref}.
func assetKey(r *http.Request) (string, models.Bucket, bool) {
	bucket := models.Bucket(chi.URLParam(r, "bucket"))
	ref, err := url.PathUnescape(chi.URLParam(r, "ref"))
	if err != nil || ref == "" || !bucket.Valid() {
		return "", "", false
	}
	return ref, bucket, true
}

// GetAsset handles GET /api/assets/{bucket}/{ref}.
//
//	@Summary		Download an encoded image variant
//	@Tags			assets
//	@Produce		octet-stream
//	@Param			bucket	path	string	true	"Resolution bucket"	Enums(thumb, medium, full)
//	@Param			ref		path	string	true	"Asset reference"
//	@Success		200
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/assets/{bucket}/{ref} [get]
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	ref, bucket, ok := assetKey(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid bucket or ref"))
		return
	}
	data, err := h.svc.Asset(r.Context(), ref, bucket)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		slog.Error("get asset failed", slog.String("ref", ref), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// PutAsset handles PUT /api/assets/{bucket}/{ref} (multipart/form-data, field "file").
//
//	@Summary		Upload an encoded image variant
//	@Tags			assets
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			bucket	path		string	true	"Resolution bucket"	Enums(thumb, medium, full)
//	@Param			ref		path		string	true	"Asset reference"
//	@Param			file	formData	file	true	"Image file"
//	@Success		201		{object}	AssetUploadResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/assets/{bucket}/{ref} [put]
func (h *Handler) PutAsset(w http.ResponseWriter, r *http.Request) {
	ref, bucket, ok := assetKey(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid bucket or ref"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}
	if err := h.svc.PutAsset(r.Context(), ref, bucket, data); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		slog.Error("put asset failed", slog.String("ref", ref), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusCreated, AssetUploadResponse{
		Ref:    ref,
		Bucket: string(bucket),
		Size:   int64(len(data)),
		URL:    "/api/assets/" + string(bucket) + "/" + url.PathEscape(ref),
	})
}
