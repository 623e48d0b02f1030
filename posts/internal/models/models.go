package models

import (
	"time"

	"github.com/google/uuid"
)

type Post struct {
	PostID    uuid.UUID   `json:"post_id"`
	AuthorID  uuid.UUID   `json:"author_id"`
	Content   string      `json:"content"`
	MediaIDs  []uuid.UUID `json:"media_ids,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
