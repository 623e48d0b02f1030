package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"microblog-platform/media/internal/models"
	"microblog-platform/media/internal/repos"
	"microblog-platform/shared/authx"
	"microblog-platform/shared/blobx"
	"microblog-platform/shared/httpx"
	"microblog-platform/shared/logx"
)

const maxUploadBytes = 10 << 20

type MediaStore interface {
	CreateMedia(ctx context.Context, m models.Media) error
	GetMediaByID(ctx context.Context, mediaID uuid.UUID) (models.Media, error)
}

type Handlers struct {
	Store  MediaStore
	Blobs  blobx.Store
	Logger logx.Logger
	Dev    bool
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /media", h.handleUpload)
	mux.HandleFunc("GET /media/{id}", h.handleGet)
	mux.HandleFunc("GET /media/{id}/content", h.handleContent)
}

func (h *Handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerID(r)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "file too large", "", false)
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "multipart file field is required", "", false)
		return
	}
	defer file.Close()

	mediaID := uuid.New()
	size, err := h.Blobs.Put(r.Context(), mediaID.String(), file)
	if err != nil {
		if isTooLarge(err) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "file too large", "", false)
			return
		}
		h.Logger.Error(r.Context(), "blob_write_failed", "blob write failed",
			slog.String("media_id", mediaID.String()),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	m := models.Media{
		MediaID:     mediaID,
		OwnerID:     ownerID,
		FileName:    filepath.Base(header.Filename),
		ContentType: contentTypeOf(header.Header.Get("Content-Type"), header.Filename),
		SizeBytes:   size,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateMedia(r.Context(), m); err != nil {
		// The blob landed but the metadata did not; remove the orphan so the
		// id cannot leak storage nobody can account for.
		if derr := h.Blobs.Delete(r.Context(), mediaID.String()); derr != nil {
			h.Logger.Error(r.Context(), "blob_rollback_failed", "orphan blob left behind",
				slog.String("media_id", mediaID.String()),
				slog.String("error", derr.Error()),
			)
		}
		h.Logger.Error(r.Context(), "media_create_failed", "media metadata insert failed",
			slog.String("media_id", mediaID.String()),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid media id", "", false)
		return
	}

	m, err := h.Store.GetMediaByID(r.Context(), mediaID)
	if err != nil {
		if errors.Is(err, repos.ErrMediaNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "media not found", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

func (h *Handlers) handleContent(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid media id", "", false)
		return
	}

	m, err := h.Store.GetMediaByID(r.Context(), mediaID)
	if err != nil {
		if errors.Is(err, repos.ErrMediaNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "media not found", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	blob, err := h.Blobs.Open(r.Context(), mediaID.String())
	if err != nil {
		if errors.Is(err, blobx.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "media not found", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(m.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, blob); err != nil {
		h.Logger.Warn(r.Context(), "blob_stream_failed", "blob stream interrupted",
			slog.String("media_id", mediaID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func contentTypeOf(declared string, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func callerID(r *http.Request) (uuid.UUID, bool) {
	raw := authx.UserIDFromHeader(r)
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
