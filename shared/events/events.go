package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TopicPostCreated = "post.created"
	TopicPostDeleted = "post.deleted"
)

const (
	TypePostCreated = "PostCreated"
	TypePostDeleted = "PostDeleted"
)

// Envelope is the wire shape of every domain event. Payload stays raw so a
// consumer only decodes the event types it subscribes to.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  string          `json:"event_type"`
	ProducedAt time.Time       `json:"produced_at"`
	Payload    json.RawMessage `json:"payload"`
}

type PostCreated struct {
	PostID    uuid.UUID `json:"post_id"`
	AuthorID  uuid.UUID `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type PostDeleted struct {
	PostID   uuid.UUID   `json:"post_id"`
	AuthorID uuid.UUID   `json:"author_id"`
	MediaIDs []uuid.UUID `json:"media_ids"`
}

// NewEnvelope wraps a payload, stamping id and production time.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:    uuid.New(),
		EventType:  eventType,
		ProducedAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

func (e Envelope) DecodePostCreated() (PostCreated, error) {
	var p PostCreated
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) DecodePostDeleted() (PostDeleted, error) {
	var p PostDeleted
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
