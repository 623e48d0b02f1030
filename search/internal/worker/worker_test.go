package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"microblog-platform/search/internal/index"
	"microblog-platform/shared/cachex"
	"microblog-platform/shared/events"
	"microblog-platform/shared/logx"
)

type fakeDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]index.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: map[uuid.UUID]index.Document{}}
}

func (f *fakeDocs) Upsert(_ context.Context, doc index.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.PostID] = doc
	return nil
}

func (f *fakeDocs) Remove(_ context.Context, postID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, postID)
	return nil
}

func (f *fakeDocs) get(postID uuid.UUID) (index.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[postID]
	return doc, ok
}

func newIndexer(t *testing.T) (*Indexer, *fakeDocs, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	docs := newFakeDocs()
	ix := &Indexer{
		Store:  docs,
		Cache:  cachex.NewWithClient(rdb),
		Logger: logx.New("indexer-test", "test", "", "error"),
	}
	return ix, docs, mr
}

func createdEnvelope(t *testing.T, postID uuid.UUID, content string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TypePostCreated, events.PostCreated{
		PostID:    postID,
		AuthorID:  uuid.New(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func deletedEnvelope(t *testing.T, postID uuid.UUID) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TypePostDeleted, events.PostDeleted{
		PostID:   postID,
		AuthorID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestHandleCreatedIsIdempotent(t *testing.T) {
	ix, docs, _ := newIndexer(t)
	postID := uuid.New()
	env := createdEnvelope(t, postID, "hello")

	if err := ix.HandleCreated(context.Background(), env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := ix.HandleCreated(context.Background(), env); err != nil {
		t.Fatalf("redelivery must be an upsert, got error: %v", err)
	}
	doc, ok := docs.get(postID)
	if !ok || doc.Content != "hello" {
		t.Fatalf("document missing or wrong after redelivery: %+v ok=%v", doc, ok)
	}
}

func TestHandleDeletedMissingDocumentIsNoOp(t *testing.T) {
	ix, _, _ := newIndexer(t)
	env := deletedEnvelope(t, uuid.New())

	if err := ix.HandleDeleted(context.Background(), env); err != nil {
		t.Fatalf("delete of absent document must succeed: %v", err)
	}
}

func TestOutOfOrderDeleteThenCreateConverges(t *testing.T) {
	ix, docs, _ := newIndexer(t)
	postID := uuid.New()

	// Delete delivered before its create: both must succeed independently.
	if err := ix.HandleDeleted(context.Background(), deletedEnvelope(t, postID)); err != nil {
		t.Fatalf("early delete: %v", err)
	}
	if err := ix.HandleCreated(context.Background(), createdEnvelope(t, postID, "late create")); err != nil {
		t.Fatalf("late create: %v", err)
	}
	if _, ok := docs.get(postID); !ok {
		t.Fatalf("late create must land after early delete")
	}
}

func TestAppliedMutationInvalidatesQueryCache(t *testing.T) {
	ix, _, mr := newIndexer(t)

	if err := mr.Set("search:hello world", `{"results":[]}`); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := mr.Set("post:unrelated", `{}`); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if err := ix.HandleCreated(context.Background(), createdEnvelope(t, uuid.New(), "hello")); err != nil {
		t.Fatalf("handle created: %v", err)
	}
	if mr.Exists("search:hello world") {
		t.Fatalf("query cache entry survived an applied mutation")
	}
	if !mr.Exists("post:unrelated") {
		t.Fatalf("non-query namespace must be untouched")
	}
}

func TestCacheFailureDoesNotForceRedelivery(t *testing.T) {
	ix, docs, mr := newIndexer(t)
	mr.Close()

	postID := uuid.New()
	if err := ix.HandleCreated(context.Background(), createdEnvelope(t, postID, "hello")); err != nil {
		t.Fatalf("cache store down must not fail the handler: %v", err)
	}
	if _, ok := docs.get(postID); !ok {
		t.Fatalf("projection write must still land")
	}
}
