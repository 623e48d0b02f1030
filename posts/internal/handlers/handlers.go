package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"microblog-platform/posts/internal/models"
	"microblog-platform/posts/internal/repos"
	"microblog-platform/shared/authx"
	"microblog-platform/shared/cachex"
	"microblog-platform/shared/events"
	"microblog-platform/shared/httpx"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
)

const (
	maxBodyBytes   = 1 << 20
	maxContentLen  = 5000
	defaultLimit   = 20
	maxLimit       = 100
	listKeyPattern = "posts:*"
)

func postKey(id uuid.UUID) string {
	return "post:" + id.String()
}

func listKey(page int, limit int) string {
	return fmt.Sprintf("posts:%d:%d", page, limit)
}

type PostStore interface {
	CreatePost(ctx context.Context, authorID uuid.UUID, content string, mediaIDs []uuid.UUID) (models.Post, error)
	GetPostByID(ctx context.Context, postID uuid.UUID) (models.Post, error)
	ListPosts(ctx context.Context, page int, limit int) ([]models.Post, error)
	DeletePost(ctx context.Context, postID uuid.UUID, authorID uuid.UUID) (models.Post, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, key []byte, env events.Envelope, headers map[string]string) error
}

type Handlers struct {
	Store    PostStore
	Cache    *cachex.Client
	Producer EventPublisher
	CacheTTL time.Duration
	Logger   logx.Logger
	Dev      bool
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /posts", h.handleCreate)
	mux.HandleFunc("GET /posts", h.handleList)
	mux.HandleFunc("GET /posts/{id}", h.handleGet)
	mux.HandleFunc("DELETE /posts/{id}", h.handleDelete)
}

type createRequest struct {
	Content  string      `json:"content"`
	MediaIDs []uuid.UUID `json:"media_ids"`
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	authorID, ok := callerID(r)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}

	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error(), "", false)
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		httpx.WriteError(w, http.StatusBadRequest, "content is required", "", false)
		return
	}
	if len(req.Content) > maxContentLen {
		httpx.WriteError(w, http.StatusBadRequest, "content too long", "", false)
		return
	}

	post, err := h.Store.CreatePost(r.Context(), authorID, req.Content, req.MediaIDs)
	if err != nil {
		h.Logger.Error(r.Context(), "post_create_failed", "post create failed", slog.String("error", err.Error()))
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	// The write is durable; stale listings must be gone before the caller
	// sees success so an immediate re-read cannot observe old pages.
	if err := h.invalidate(r.Context(), post.PostID); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	h.publishCreated(r.Context(), post)

	httpx.WriteJSON(w, http.StatusCreated, post)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	postID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid post id", "", false)
		return
	}

	key := postKey(postID)
	var cached models.Post
	hit, err := h.Cache.GetJSON(r.Context(), key, &cached)
	if err != nil {
		// Cache store trouble degrades to the authoritative store.
		h.Logger.Warn(r.Context(), "cache_read_failed", "cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if hit {
		metricsx.IncCacheHit("post")
		httpx.WriteJSON(w, http.StatusOK, cached)
		return
	}
	metricsx.IncCacheMiss("post")

	post, err := h.Store.GetPostByID(r.Context(), postID)
	if err != nil {
		if errors.Is(err, repos.ErrPostNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "post not found", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	if err := h.Cache.SetJSON(r.Context(), key, post, h.CacheTTL); err != nil {
		h.Logger.Warn(r.Context(), "cache_write_failed", "cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	httpx.WriteJSON(w, http.StatusOK, post)
}

type listResponse struct {
	Posts []models.Post `json:"posts"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", defaultLimit)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	key := listKey(page, limit)
	var cached listResponse
	hit, err := h.Cache.GetJSON(r.Context(), key, &cached)
	if err != nil {
		h.Logger.Warn(r.Context(), "cache_read_failed", "cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if hit {
		metricsx.IncCacheHit("posts")
		httpx.WriteJSON(w, http.StatusOK, cached)
		return
	}
	metricsx.IncCacheMiss("posts")

	posts, err := h.Store.ListPosts(r.Context(), page, limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	resp := listResponse{Posts: posts, Page: page, Limit: limit}
	if resp.Posts == nil {
		resp.Posts = []models.Post{}
	}

	if err := h.Cache.SetJSON(r.Context(), key, resp, h.CacheTTL); err != nil {
		h.Logger.Warn(r.Context(), "cache_write_failed", "cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	authorID, ok := callerID(r)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}
	postID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid post id", "", false)
		return
	}

	post, err := h.Store.DeletePost(r.Context(), postID, authorID)
	if err != nil {
		if errors.Is(err, repos.ErrPostNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "post not found", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	if err := h.invalidate(r.Context(), post.PostID); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	h.publishDeleted(r.Context(), post)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// invalidate drops the single-resource key and the whole listing family.
// Both run before the caller sees success; a failure here means a
// subsequent read could serve stale data, so it fails the request even
// though the store write already happened.
func (h *Handlers) invalidate(ctx context.Context, postID uuid.UUID) error {
	if err := h.Cache.Delete(ctx, postKey(postID)); err != nil {
		h.Logger.Error(ctx, "cache_invalidate_failed", "single-resource invalidation failed",
			slog.String("key", postKey(postID)),
			slog.String("error", err.Error()),
		)
		return err
	}
	if _, err := h.Cache.DeleteByPattern(ctx, listKeyPattern); err != nil {
		h.Logger.Error(ctx, "cache_invalidate_failed", "listing family invalidation failed",
			slog.String("pattern", listKeyPattern),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// publishCreated is best effort: the post is already durable, so a broker
// failure is logged and the request still succeeds.
func (h *Handlers) publishCreated(ctx context.Context, post models.Post) {
	env, err := events.NewEnvelope(events.TypePostCreated, events.PostCreated{
		PostID:    post.PostID,
		AuthorID:  post.AuthorID,
		Content:   post.Content,
		CreatedAt: post.CreatedAt,
	})
	if err == nil {
		err = h.Producer.Publish(ctx, events.TopicPostCreated, []byte(post.PostID.String()), env, nil)
	}
	if err != nil {
		h.Logger.Error(ctx, "event_publish_failed", "post.created publish failed",
			slog.String("post_id", post.PostID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handlers) publishDeleted(ctx context.Context, post models.Post) {
	env, err := events.NewEnvelope(events.TypePostDeleted, events.PostDeleted{
		PostID:   post.PostID,
		AuthorID: post.AuthorID,
		MediaIDs: post.MediaIDs,
	})
	if err == nil {
		err = h.Producer.Publish(ctx, events.TopicPostDeleted, []byte(post.PostID.String()), env, nil)
	}
	if err != nil {
		h.Logger.Error(ctx, "event_publish_failed", "post.deleted publish failed",
			slog.String("post_id", post.PostID.String()),
			slog.String("error", err.Error()),
		)
	}
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

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
