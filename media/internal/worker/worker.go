package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"microblog-platform/shared/blobx"
	"microblog-platform/shared/events"
	"microblog-platform/shared/lockx"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
)

const TaskMediaPurge = "media.purge"

type purgePayload struct {
	MediaID string `json:"media_id"`
}

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Fanout turns one PostDeleted event into one purge task per media id, so
// a failure deleting one blob retries alone instead of blocking its
// siblings.
type Fanout struct {
	Tasks    Enqueuer
	Queue    string
	MaxRetry int
	Logger   logx.Logger
}

// HandleDeleted enqueues a purge task for every media id on the event. An
// enqueue failure leaves the event uncommitted; re-enqueueing ids that
// already made it is harmless because purging is idempotent.
func (f *Fanout) HandleDeleted(ctx context.Context, env events.Envelope) error {
	payload, err := env.DecodePostDeleted()
	if err != nil {
		return err
	}
	for _, mediaID := range payload.MediaIDs {
		raw, err := json.Marshal(purgePayload{MediaID: mediaID.String()})
		if err != nil {
			return err
		}
		task := asynq.NewTask(TaskMediaPurge, raw)
		if _, err := f.Tasks.EnqueueContext(ctx, task, asynq.Queue(f.Queue), asynq.MaxRetry(f.MaxRetry)); err != nil {
			f.Logger.Error(ctx, "purge_enqueue_failed", "failed to enqueue media purge",
				slog.String("post_id", payload.PostID.String()),
				slog.String("media_id", mediaID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	if len(payload.MediaIDs) > 0 {
		f.Logger.Info(ctx, "purge_enqueued", "media purge tasks enqueued",
			slog.String("post_id", payload.PostID.String()),
			slog.Int("count", len(payload.MediaIDs)),
		)
	}
	return nil
}

type MetadataStore interface {
	DeleteMedia(ctx context.Context, mediaID uuid.UUID) error
}

// Purger deletes one media id: blob first, then the metadata row. Both
// deletes are no-ops when the target is already gone, so a redelivered or
// re-enqueued task converges.
type Purger struct {
	Store   MetadataStore
	Blobs   blobx.Store
	Redis   *redis.Client
	LockTTL time.Duration
	Logger  logx.Logger
}

func (p *Purger) HandlePurge(ctx context.Context, t *asynq.Task) error {
	var payload purgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("undecodable purge payload: %v: %w", err, asynq.SkipRetry)
	}
	mediaID, err := uuid.Parse(payload.MediaID)
	if err != nil {
		return fmt.Errorf("invalid media id %q: %w", payload.MediaID, asynq.SkipRetry)
	}

	lock, acquired, err := lockx.TryAcquire(ctx, p.Redis, "purge:"+mediaID.String(), p.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		p.Logger.Info(ctx, "purge_skipped", "another worker holds the purge lock",
			slog.String("media_id", mediaID.String()),
		)
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			p.Logger.Warn(ctx, "purge_unlock_failed", "lock release failed, will expire",
				slog.String("media_id", mediaID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := p.Blobs.Delete(ctx, mediaID.String()); err != nil {
		metricsx.IncBlobDeleteFailure()
		p.Logger.Error(ctx, "blob_delete_failed", "blob delete failed",
			slog.String("media_id", mediaID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err := p.Store.DeleteMedia(ctx, mediaID); err != nil {
		p.Logger.Error(ctx, "media_delete_failed", "metadata delete failed",
			slog.String("media_id", mediaID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	p.Logger.Info(ctx, "media_purged", "media removed",
		slog.String("media_id", mediaID.String()),
	)
	return nil
}
