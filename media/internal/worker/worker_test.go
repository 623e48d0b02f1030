package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"microblog-platform/shared/blobx"
	"microblog-platform/shared/events"
	"microblog-platform/shared/logx"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func (f *fakeEnqueuer) enqueued() []*asynq.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*asynq.Task(nil), f.tasks...)
}

type fakeMeta struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]bool
	deletes []uuid.UUID
	err     error
}

func newFakeMeta(ids ...uuid.UUID) *fakeMeta {
	f := &fakeMeta{rows: map[uuid.UUID]bool{}}
	for _, id := range ids {
		f.rows[id] = true
	}
	return f
}

func (f *fakeMeta) DeleteMedia(_ context.Context, mediaID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deletes = append(f.deletes, mediaID)
	delete(f.rows, mediaID)
	return nil
}

func deletedEnvelope(t *testing.T, mediaIDs ...uuid.UUID) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TypePostDeleted, events.PostDeleted{
		PostID:   uuid.New(),
		AuthorID: uuid.New(),
		MediaIDs: mediaIDs,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestFanoutEnqueuesOneTaskPerMediaID(t *testing.T) {
	enq := &fakeEnqueuer{}
	f := &Fanout{Tasks: enq, Queue: "media", MaxRetry: 5, Logger: logx.New("worker-test", "test", "", "error")}

	idA, idB := uuid.New(), uuid.New()
	if err := f.HandleDeleted(context.Background(), deletedEnvelope(t, idA, idB)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	tasks := enq.enqueued()
	if len(tasks) != 2 {
		t.Fatalf("enqueued %d tasks, want 2", len(tasks))
	}
	want := map[string]bool{idA.String(): true, idB.String(): true}
	for _, task := range tasks {
		if task.Type() != TaskMediaPurge {
			t.Fatalf("task type = %q", task.Type())
		}
		var payload purgePayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if !want[payload.MediaID] {
			t.Fatalf("unexpected media id %q", payload.MediaID)
		}
		delete(want, payload.MediaID)
	}
}

func TestFanoutIgnoresEventsWithoutMedia(t *testing.T) {
	enq := &fakeEnqueuer{}
	f := &Fanout{Tasks: enq, Queue: "media", MaxRetry: 5, Logger: logx.New("worker-test", "test", "", "error")}

	if err := f.HandleDeleted(context.Background(), deletedEnvelope(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(enq.enqueued()) != 0 {
		t.Fatal("expected no tasks for an event without media")
	}
}

func TestFanoutPropagatesEnqueueFailure(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("queue down")}
	f := &Fanout{Tasks: enq, Queue: "media", MaxRetry: 5, Logger: logx.New("worker-test", "test", "", "error")}

	if err := f.HandleDeleted(context.Background(), deletedEnvelope(t, uuid.New())); err == nil {
		t.Fatal("expected error when enqueue fails")
	}
}

func purgeFixture(t *testing.T) (*Purger, *fakeMeta, *blobx.FSStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	blobs, err := blobx.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	meta := newFakeMeta()
	p := &Purger{
		Store:   meta,
		Blobs:   blobs,
		Redis:   rdb,
		LockTTL: 30 * time.Second,
		Logger:  logx.New("worker-test", "test", "", "error"),
	}
	return p, meta, blobs, rdb
}

func purgeTask(t *testing.T, mediaID string) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(purgePayload{MediaID: mediaID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(TaskMediaPurge, raw)
}

func TestPurgeRemovesBlobAndMetadata(t *testing.T) {
	p, meta, blobs, _ := purgeFixture(t)
	mediaID := uuid.New()
	meta.rows[mediaID] = true
	if _, err := blobs.Put(context.Background(), mediaID.String(), strings.NewReader("bytes")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	if err := p.HandlePurge(context.Background(), purgeTask(t, mediaID.String())); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if _, err := blobs.Open(context.Background(), mediaID.String()); !errors.Is(err, blobx.ErrNotFound) {
		t.Fatalf("blob still present: %v", err)
	}
	meta.mu.Lock()
	_, present := meta.rows[mediaID]
	meta.mu.Unlock()
	if present {
		t.Fatal("metadata row still present")
	}
}

func TestPurgeOfAbsentMediaSucceeds(t *testing.T) {
	p, _, _, _ := purgeFixture(t)
	// Redelivery after a completed purge must not error, or the task would
	// retry forever.
	if err := p.HandlePurge(context.Background(), purgeTask(t, uuid.NewString())); err != nil {
		t.Fatalf("purge of absent media: %v", err)
	}
}

func TestPurgeSkipsWhenLockHeld(t *testing.T) {
	p, meta, blobs, rdb := purgeFixture(t)
	mediaID := uuid.New()
	meta.rows[mediaID] = true
	if _, err := blobs.Put(context.Background(), mediaID.String(), strings.NewReader("bytes")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	if err := rdb.SetNX(context.Background(), "purge:"+mediaID.String(), "other-worker", time.Minute).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	if err := p.HandlePurge(context.Background(), purgeTask(t, mediaID.String())); err != nil {
		t.Fatalf("purge under held lock: %v", err)
	}

	blob, err := blobs.Open(context.Background(), mediaID.String())
	if err != nil {
		t.Fatalf("blob should be untouched: %v", err)
	}
	_, _ = io.ReadAll(blob)
	_ = blob.Close()
}

type failingBlobs struct{}

func (failingBlobs) Put(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("unsupported")
}

func (failingBlobs) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("unsupported")
}

func (failingBlobs) Delete(context.Context, string) error {
	return errors.New("storage unavailable")
}

func TestPurgeKeepsMetadataWhenBlobDeleteFails(t *testing.T) {
	p, meta, _, _ := purgeFixture(t)
	p.Blobs = failingBlobs{}
	mediaID := uuid.New()
	meta.rows[mediaID] = true

	if err := p.HandlePurge(context.Background(), purgeTask(t, mediaID.String())); err == nil {
		t.Fatal("expected error so the task retries")
	}
	meta.mu.Lock()
	_, present := meta.rows[mediaID]
	meta.mu.Unlock()
	if !present {
		t.Fatal("metadata must survive a failed blob delete")
	}
}

func TestPurgeRejectsMalformedPayloadPermanently(t *testing.T) {
	p, _, _, _ := purgeFixture(t)

	err := p.HandlePurge(context.Background(), asynq.NewTask(TaskMediaPurge, []byte("{not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for undecodable payload, got %v", err)
	}

	err = p.HandlePurge(context.Background(), purgeTask(t, "not-a-uuid"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed media id, got %v", err)
	}
}
