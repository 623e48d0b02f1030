package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"microblog-platform/search/internal/index"
	"microblog-platform/shared/cachex"
	"microblog-platform/shared/logx"
)

type fakeQuerier struct {
	mu      sync.Mutex
	docs    []index.Document
	queries []string
}

func (f *fakeQuerier) Query(_ context.Context, query string, limit int) ([]index.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.docs, nil
}

func (f *fakeQuerier) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func newFixture(t *testing.T) (*Handlers, *fakeQuerier, *miniredis.Miniredis, *http.ServeMux) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := &fakeQuerier{}
	h := &Handlers{
		Index:    q,
		Cache:    cachex.NewWithClient(rdb),
		CacheTTL: time.Minute,
		Logger:   logx.New("search-test", "test", "", "error"),
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return h, q, mr, mux
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSearchRequiresQuery(t *testing.T) {
	_, _, _, mux := newFixture(t)

	if rec := get(t, mux, "/search"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q: expected 400, got %d", rec.Code)
	}
	if rec := get(t, mux, "/search?q=%20%20"); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank q: expected 400, got %d", rec.Code)
	}
}

func TestSearchCachesByNormalizedQuery(t *testing.T) {
	_, q, mr, mux := newFixture(t)
	q.docs = []index.Document{{
		PostID:    uuid.New(),
		AuthorID:  uuid.New(),
		Content:   "hello world",
		CreatedAt: time.Now().UTC(),
	}}

	rec := get(t, mux, "/search?q=Hello%20%20World")
	if rec.Code != http.StatusOK {
		t.Fatalf("first query: expected 200, got %d", rec.Code)
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Query != "hello world" || len(resp.Results) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !mr.Exists("search:hello world") {
		t.Fatalf("normalized cache key missing, keys: %v", mr.Keys())
	}

	// Equivalent spellings reuse the same entry; the index is not re-queried.
	if rec := get(t, mux, "/search?q=hello+world"); rec.Code != http.StatusOK {
		t.Fatalf("second query: expected 200, got %d", rec.Code)
	}
	if got := q.queryCount(); got != 1 {
		t.Fatalf("expected one index query, got %d", got)
	}
}

func TestSearchDegradesWhenCacheDown(t *testing.T) {
	_, q, mr, mux := newFixture(t)
	mr.Close()

	rec := get(t, mux, "/search?q=resilient")
	if rec.Code != http.StatusOK {
		t.Fatalf("cache store down must degrade to the index, got %d", rec.Code)
	}
	if got := q.queryCount(); got != 1 {
		t.Fatalf("expected index query despite cache outage, got %d", got)
	}
}

func TestSearchEmptyResultSetIsCacheable(t *testing.T) {
	_, _, mr, mux := newFixture(t)

	rec := get(t, mux, "/search?q=nothing")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
	if !mr.Exists("search:nothing") {
		t.Fatalf("empty result set should still be cached")
	}
}
