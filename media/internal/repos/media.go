package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"microblog-platform/media/internal/models"
)

var ErrMediaNotFound = errors.New("media not found")

type MediaRepo struct {
	pool *pgxpool.Pool
}

func NewMediaRepo(pool *pgxpool.Pool) *MediaRepo {
	return &MediaRepo{pool: pool}
}

func (r *MediaRepo) CreateMedia(ctx context.Context, m models.Media) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO media (media_id, owner_id, file_name, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.MediaID, m.OwnerID, m.FileName, m.ContentType, m.SizeBytes, m.CreatedAt)
	return err
}

func (r *MediaRepo) GetMediaByID(ctx context.Context, mediaID uuid.UUID) (models.Media, error) {
	var m models.Media
	err := r.pool.QueryRow(ctx, `
		SELECT media_id, owner_id, file_name, content_type, size_bytes, created_at
		FROM media
		WHERE media_id = $1
	`, mediaID).
		Scan(&m.MediaID, &m.OwnerID, &m.FileName, &m.ContentType, &m.SizeBytes, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Media{}, ErrMediaNotFound
	}
	if err != nil {
		return models.Media{}, err
	}
	return m, nil
}

// DeleteMedia removes the metadata row if it exists. An absent row is a
// success: event redelivery makes repeated deletes of the same id routine.
func (r *MediaRepo) DeleteMedia(ctx context.Context, mediaID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM media WHERE media_id = $1`, mediaID)
	return err
}
