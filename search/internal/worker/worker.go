package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"microblog-platform/search/internal/index"
	"microblog-platform/shared/cachex"
	"microblog-platform/shared/events"
	"microblog-platform/shared/logx"
)

const queryCachePattern = "search:*"

type DocumentStore interface {
	Upsert(ctx context.Context, doc index.Document) error
	Remove(ctx context.Context, postID uuid.UUID) error
}

// Indexer applies post events to the search projection. Handlers are safe
// under redelivery and out-of-order create/delete pairs for the same post:
// create is an upsert, delete is delete-if-exists. Every applied mutation
// drops the whole query-cache namespace, since any cached result set may
// have contained the post.
type Indexer struct {
	Store  DocumentStore
	Cache  *cachex.Client
	Logger logx.Logger
}

func (ix *Indexer) HandleCreated(ctx context.Context, env events.Envelope) error {
	payload, err := env.DecodePostCreated()
	if err != nil {
		return err
	}
	err = ix.Store.Upsert(ctx, index.Document{
		PostID:    payload.PostID,
		AuthorID:  payload.AuthorID,
		Content:   payload.Content,
		CreatedAt: payload.CreatedAt,
	})
	if err != nil {
		return err
	}
	ix.invalidateQueries(ctx, payload.PostID)
	return nil
}

func (ix *Indexer) HandleDeleted(ctx context.Context, env events.Envelope) error {
	payload, err := env.DecodePostDeleted()
	if err != nil {
		return err
	}
	if err := ix.Store.Remove(ctx, payload.PostID); err != nil {
		return err
	}
	ix.invalidateQueries(ctx, payload.PostID)
	return nil
}

// invalidateQueries is best effort on the worker side: the projection write
// already happened, and the cached entries expire by TTL anyway, so a cache
// store hiccup must not force a redelivery.
func (ix *Indexer) invalidateQueries(ctx context.Context, postID uuid.UUID) {
	if _, err := ix.Cache.DeleteByPattern(ctx, queryCachePattern); err != nil {
		ix.Logger.Warn(ctx, "cache_invalidate_failed", "query cache invalidation failed",
			slog.String("post_id", postID.String()),
			slog.String("error", err.Error()),
		)
	}
}
