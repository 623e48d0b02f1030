package blobx

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFSStorePutOpenDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	n, err := store.Put(ctx, "m1", strings.NewReader("binary-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != int64(len("binary-bytes")) {
		t.Fatalf("unexpected size: %d", n)
	}

	rc, err := store.Open(ctx, "m1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(data) != "binary-bytes" {
		t.Fatalf("read back: %q err=%v", data, err)
	}

	if err := store.Delete(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Open(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFSStoreDeleteAbsentIsNoOp(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Delete(context.Background(), "never-existed"); err != nil {
		t.Fatalf("delete of absent blob must succeed: %v", err)
	}
}

func TestFSStoreRejectsTraversalIDs(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", "a\\b"} {
		if _, err := store.Put(context.Background(), id, strings.NewReader("x")); err == nil {
			t.Fatalf("expected rejection for id %q", id)
		}
	}
}
