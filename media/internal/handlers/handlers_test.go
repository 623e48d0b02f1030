package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"microblog-platform/media/internal/models"
	"microblog-platform/media/internal/repos"
	"microblog-platform/shared/blobx"
	"microblog-platform/shared/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	media     map[uuid.UUID]models.Media
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{media: map[uuid.UUID]models.Media{}}
}

func (f *fakeStore) CreateMedia(_ context.Context, m models.Media) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.media[m.MediaID] = m
	return nil
}

func (f *fakeStore) GetMediaByID(_ context.Context, mediaID uuid.UUID) (models.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.media[mediaID]
	if !ok {
		return models.Media{}, repos.ErrMediaNotFound
	}
	return m, nil
}

func newFixture(t *testing.T) (*fakeStore, *blobx.FSStore, *http.ServeMux) {
	t.Helper()
	blobs, err := blobx.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	store := newFakeStore()
	h := &Handlers{
		Store:  store,
		Blobs:  blobs,
		Logger: logx.New("media-test", "test", "", "error"),
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return store, blobs, mux
}

func multipartUpload(t *testing.T, filename string, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func upload(t *testing.T, mux *http.ServeMux, userID string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/media", body)
	req.Header.Set("Content-Type", contentType)
	if userID != "" {
		req.Header.Set("x-user-id", userID)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestUploadRequiresIdentity(t *testing.T) {
	_, _, mux := newFixture(t)
	body, contentType := multipartUpload(t, "cat.png", "image/png", []byte("pixels"))

	rec := upload(t, mux, "", body, contentType)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rec.Code)
	}

	body, contentType = multipartUpload(t, "cat.png", "image/png", []byte("pixels"))
	rec = upload(t, mux, "not-a-uuid", body, contentType)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed identity, got %d", rec.Code)
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	_, _, mux := newFixture(t)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("note", "no file here"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	_ = w.Close()

	rec := upload(t, mux, uuid.NewString(), &buf, w.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file field, got %d", rec.Code)
	}
}

func TestUploadStoresBlobAndMetadata(t *testing.T) {
	store, blobs, mux := newFixture(t)
	owner := uuid.New()
	content := []byte("fake png bytes")
	body, contentType := multipartUpload(t, "cat.png", "image/png", content)

	rec := upload(t, mux, owner.String(), body, contentType)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var m models.Media
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if m.OwnerID != owner {
		t.Fatalf("owner = %s, want %s", m.OwnerID, owner)
	}
	if m.FileName != "cat.png" || m.ContentType != "image/png" {
		t.Fatalf("metadata = %q %q", m.FileName, m.ContentType)
	}
	if m.SizeBytes != int64(len(content)) {
		t.Fatalf("size = %d, want %d", m.SizeBytes, len(content))
	}
	if _, err := store.GetMediaByID(context.Background(), m.MediaID); err != nil {
		t.Fatalf("metadata row missing: %v", err)
	}

	blob, err := blobs.Open(context.Background(), m.MediaID.String())
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	defer blob.Close()
	got, _ := io.ReadAll(blob)
	if !bytes.Equal(got, content) {
		t.Fatalf("blob content = %q, want %q", got, content)
	}
}

func TestUploadRollsBackBlobWhenMetadataFails(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobx.NewFSStore(dir)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	store := newFakeStore()
	store.createErr = errors.New("insert failed")
	h := &Handlers{
		Store:  store,
		Blobs:  blobs,
		Logger: logx.New("media-test", "test", "", "error"),
	}
	mux := http.NewServeMux()
	h.Register(mux)

	body, contentType := multipartUpload(t, "cat.png", "image/png", []byte("pixels"))
	rec := upload(t, mux, uuid.NewString(), body, contentType)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	store.mu.Lock()
	stored := len(store.media)
	store.mu.Unlock()
	if stored != 0 {
		t.Fatalf("expected no metadata rows, got %d", stored)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected orphan blob removed, found %d files", len(entries))
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	_, _, mux := newFixture(t)
	big := bytes.Repeat([]byte("x"), maxUploadBytes+1024)
	body, contentType := multipartUpload(t, "huge.bin", "", big)

	rec := upload(t, mux, uuid.NewString(), body, contentType)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestGetReturnsMetadata(t *testing.T) {
	store, _, mux := newFixture(t)
	m := models.Media{
		MediaID:     uuid.New(),
		OwnerID:     uuid.New(),
		FileName:    "doc.pdf",
		ContentType: "application/pdf",
		SizeBytes:   42,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.CreateMedia(context.Background(), m); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/media/"+m.MediaID.String(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got models.Media
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MediaID != m.MediaID || got.FileName != "doc.pdf" {
		t.Fatalf("unexpected metadata: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/media/"+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/media/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestContentStreamsBlob(t *testing.T) {
	_, _, mux := newFixture(t)
	owner := uuid.New()
	content := []byte("streamed bytes")
	body, contentType := multipartUpload(t, "clip.mp4", "video/mp4", content)

	rec := upload(t, mux, owner.String(), body, contentType)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload failed: %d", rec.Code)
	}
	var m models.Media
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/media/"+m.MediaID.String()+"/content", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("content type = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatalf("body = %q, want %q", rec.Body.Bytes(), content)
	}
}
