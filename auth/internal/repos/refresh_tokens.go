package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRefreshTokenUnusable covers every terminal state of a refresh token:
// unknown, expired, or already consumed. Callers must not distinguish them
// in responses.
var ErrRefreshTokenUnusable = errors.New("refresh token unusable")

type RefreshTokensRepo struct {
	pool *pgxpool.Pool
}

func NewRefreshTokensRepo(pool *pgxpool.Pool) *RefreshTokensRepo {
	return &RefreshTokensRepo{pool: pool}
}

func (r *RefreshTokensRepo) InsertRefreshToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, tokenHash, userID, expiresAt.UTC(), time.Now().UTC())
	return err
}

// ConsumeRefreshToken marks the token consumed and returns its user in one
// atomic statement. Rotation safety rests entirely on the WHERE clause: two
// racing calls see exactly one row updated, so a token can never be
// exchanged twice.
func (r *RefreshTokensRepo) ConsumeRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		UPDATE refresh_tokens
		SET consumed_at = now()
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > now()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrRefreshTokenUnusable
	}
	return userID, err
}

// ConsumedTokenOwner resolves the user behind a token that was already
// exchanged. Rotation uses it to tell reuse of a spent token apart from a
// token that never existed; only the former names a user to punish.
func (r *RefreshTokensRepo) ConsumedTokenOwner(ctx context.Context, tokenHash string) (uuid.UUID, bool, error) {
	var userID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT user_id FROM refresh_tokens
		WHERE token_hash = $1 AND consumed_at IS NOT NULL
	`, tokenHash).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return userID, true, nil
}

// RevokeUserRefreshTokens invalidates every live token for the user. Logout
// calls it directly; rotation calls it when it detects reuse of an
// already-consumed token, killing the whole family.
func (r *RefreshTokensRepo) RevokeUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET consumed_at = now()
		WHERE user_id = $1 AND consumed_at IS NULL
	`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
