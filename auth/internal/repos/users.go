package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"microblog-platform/auth/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

type UsersRepo struct {
	pool *pgxpool.Pool
}

func NewUsersRepo(pool *pgxpool.Pool) *UsersRepo {
	return &UsersRepo{pool: pool}
}

func (r *UsersRepo) CreateUser(ctx context.Context, username string, email string, passwordHash string) (models.User, error) {
	var user models.User
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (user_id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING user_id, username, email, password_hash, created_at
	`, uuid.New(), username, strings.ToLower(email), passwordHash, now).
		Scan(&user.UserID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.User{}, ErrEmailTaken
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *UsersRepo) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, username, email, password_hash, created_at
		FROM users
		WHERE email = $1
	`, strings.ToLower(email)).
		Scan(&user.UserID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

func (r *UsersRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	var user models.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, username, email, password_hash, created_at
		FROM users
		WHERE user_id = $1
	`, userID).
		Scan(&user.UserID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}
