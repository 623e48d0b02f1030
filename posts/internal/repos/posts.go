package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"microblog-platform/posts/internal/models"
)

// ErrPostNotFound covers both a missing post and a delete attempted by a
// non-author; callers must not be able to distinguish the two.
var ErrPostNotFound = errors.New("post not found")

type PostsRepo struct {
	pool *pgxpool.Pool
}

func NewPostsRepo(pool *pgxpool.Pool) *PostsRepo {
	return &PostsRepo{pool: pool}
}

func (r *PostsRepo) CreatePost(ctx context.Context, authorID uuid.UUID, content string, mediaIDs []uuid.UUID) (models.Post, error) {
	mediaJSON, err := json.Marshal(mediaIDs)
	if err != nil {
		return models.Post{}, err
	}
	post := models.Post{
		PostID:    uuid.New(),
		AuthorID:  authorID,
		Content:   content,
		MediaIDs:  mediaIDs,
		CreatedAt: time.Now().UTC(),
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO posts (post_id, author_id, content, media_ids, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, post.PostID, post.AuthorID, post.Content, mediaJSON, post.CreatedAt)
	if err != nil {
		return models.Post{}, err
	}
	return post, nil
}

func (r *PostsRepo) GetPostByID(ctx context.Context, postID uuid.UUID) (models.Post, error) {
	var post models.Post
	var mediaJSON []byte
	err := r.pool.QueryRow(ctx, `
		SELECT post_id, author_id, content, media_ids, created_at
		FROM posts
		WHERE post_id = $1
	`, postID).
		Scan(&post.PostID, &post.AuthorID, &post.Content, &mediaJSON, &post.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, ErrPostNotFound
	}
	if err != nil {
		return models.Post{}, err
	}
	if err := decodeMediaIDs(mediaJSON, &post.MediaIDs); err != nil {
		return models.Post{}, err
	}
	return post, nil
}

func (r *PostsRepo) ListPosts(ctx context.Context, page int, limit int) ([]models.Post, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT post_id, author_id, content, media_ids, created_at
		FROM posts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		var post models.Post
		var mediaJSON []byte
		if err := rows.Scan(&post.PostID, &post.AuthorID, &post.Content, &mediaJSON, &post.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeMediaIDs(mediaJSON, &post.MediaIDs); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// DeletePost removes the post only when authorID owns it and returns the
// deleted row so the caller can publish its media ids.
func (r *PostsRepo) DeletePost(ctx context.Context, postID uuid.UUID, authorID uuid.UUID) (models.Post, error) {
	var post models.Post
	var mediaJSON []byte
	err := r.pool.QueryRow(ctx, `
		DELETE FROM posts
		WHERE post_id = $1 AND author_id = $2
		RETURNING post_id, author_id, content, media_ids, created_at
	`, postID, authorID).
		Scan(&post.PostID, &post.AuthorID, &post.Content, &mediaJSON, &post.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, ErrPostNotFound
	}
	if err != nil {
		return models.Post{}, err
	}
	if err := decodeMediaIDs(mediaJSON, &post.MediaIDs); err != nil {
		return models.Post{}, err
	}
	return post, nil
}

func decodeMediaIDs(raw []byte, dst *[]uuid.UUID) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
