package models

import (
	"time"

	"github.com/google/uuid"
)

// Media is the metadata record for one uploaded binary. The binary itself
// lives in the blob store under the media id.
type Media struct {
	MediaID     uuid.UUID `json:"media_id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}
