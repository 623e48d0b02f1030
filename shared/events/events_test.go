package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestNewEnvelopeStampsIdentity(t *testing.T) {
	payload := PostCreated{PostID: uuid.New(), AuthorID: uuid.New(), Content: "hello"}
	env, err := NewEnvelope(TypePostCreated, payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.EventID == uuid.Nil {
		t.Fatalf("expected event id")
	}
	if env.EventType != TypePostCreated {
		t.Fatalf("unexpected type: %q", env.EventType)
	}
	if env.ProducedAt.IsZero() {
		t.Fatalf("expected produced_at")
	}

	got, err := env.DecodePostCreated()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PostID != payload.PostID || got.Content != "hello" {
		t.Fatalf("payload mismatch: %#v", got)
	}
}

func TestEnvelopeSurvivesWireRoundTrip(t *testing.T) {
	payload := PostDeleted{PostID: uuid.New(), AuthorID: uuid.New(), MediaIDs: []uuid.UUID{uuid.New(), uuid.New()}}
	env, err := NewEnvelope(TypePostDeleted, payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	wire, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(wire, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := back.DecodePostDeleted()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.MediaIDs) != 2 || got.MediaIDs[0] != payload.MediaIDs[0] {
		t.Fatalf("media ids mismatch: %#v", got.MediaIDs)
	}
}
