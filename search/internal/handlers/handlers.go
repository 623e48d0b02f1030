package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"microblog-platform/search/internal/index"
	"microblog-platform/shared/cachex"
	"microblog-platform/shared/httpx"
	"microblog-platform/shared/influxx"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
)

const maxResults = 50

type Querier interface {
	Query(ctx context.Context, query string, limit int) ([]index.Document, error)
}

type Handlers struct {
	Index     Querier
	Cache     *cachex.Client
	CacheTTL  time.Duration
	Analytics *influxx.Client
	Logger    logx.Logger
	Dev       bool
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /search", h.handleSearch)
}

type searchResponse struct {
	Query   string           `json:"query"`
	Results []index.Document `json:"results"`
}

func (h *Handlers) handleSearch(w http.ResponseWriter, r *http.Request) {
	normalized := index.NormalizeQuery(r.URL.Query().Get("q"))
	if normalized == "" {
		httpx.WriteError(w, http.StatusBadRequest, "query parameter q is required", "", false)
		return
	}

	start := time.Now()
	key := "search:" + normalized

	var cached searchResponse
	hit, err := h.Cache.GetJSON(r.Context(), key, &cached)
	if err != nil {
		h.Logger.Warn(r.Context(), "cache_read_failed", "cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if hit {
		metricsx.IncCacheHit("search")
		h.recordQuery(normalized, len(cached.Results), true, time.Since(start))
		httpx.WriteJSON(w, http.StatusOK, cached)
		return
	}
	metricsx.IncCacheMiss("search")

	docs, err := h.Index.Query(r.Context(), normalized, maxResults)
	if err != nil {
		h.Logger.Error(r.Context(), "search_query_failed", "index query failed",
			slog.String("query", normalized),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	resp := searchResponse{Query: normalized, Results: docs}
	if resp.Results == nil {
		resp.Results = []index.Document{}
	}

	if err := h.Cache.SetJSON(r.Context(), key, resp, h.CacheTTL); err != nil {
		h.Logger.Warn(r.Context(), "cache_write_failed", "cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	h.recordQuery(normalized, len(resp.Results), false, time.Since(start))
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// recordQuery ships one analytics point per query, detached from the
// request so the analytics store never adds latency.
func (h *Handlers) recordQuery(query string, results int, cacheHit bool, d time.Duration) {
	if h.Analytics == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := h.Analytics.WritePoint(ctx, "search_query",
			map[string]string{"cache": boolTag(cacheHit)},
			map[string]any{
				"query":       query,
				"results":     results,
				"duration_ms": d.Milliseconds(),
			},
			time.Now().UTC(),
		)
		if err != nil {
			metricsx.IncInfluxWriteFailure()
		}
	}()
}

func boolTag(v bool) string {
	if v {
		return "hit"
	}
	return "miss"
}
