package index

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Document is one searchable post projection. The table keeps a generated
// tsvector column over content, so writes here never compute vectors
// client-side.
type Document struct {
	PostID    uuid.UUID `json:"post_id"`
	AuthorID  uuid.UUID `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Upsert makes duplicate deliveries harmless: a redelivered create event
// rewrites the same row instead of failing.
func (r *Repo) Upsert(ctx context.Context, doc Document) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO search_documents (post_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (post_id) DO UPDATE SET
			author_id = EXCLUDED.author_id,
			content = EXCLUDED.content,
			created_at = EXCLUDED.created_at
	`, doc.PostID, doc.AuthorID, doc.Content, doc.CreatedAt.UTC())
	return err
}

// Remove deletes if present; a missing document is a successful no-op so
// out-of-order create/delete pairs and redeliveries converge.
func (r *Repo) Remove(ctx context.Context, postID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM search_documents WHERE post_id = $1
	`, postID)
	return err
}

func (r *Repo) Query(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT post_id, author_id, content, created_at
		FROM search_documents
		WHERE search_vector @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC, created_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.PostID, &doc.AuthorID, &doc.Content, &doc.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// NormalizeQuery canonicalizes a raw query so equivalent spellings share
// one cache entry: lowercased, whitespace collapsed.
func NormalizeQuery(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}
