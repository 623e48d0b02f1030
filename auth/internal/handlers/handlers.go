package handlers

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"microblog-platform/auth/internal/models"
	"microblog-platform/auth/internal/repos"
	"microblog-platform/shared/authx"
	"microblog-platform/shared/httpx"
	"microblog-platform/shared/logx"
)

const maxBodyBytes = 1 << 20

type UserStore interface {
	CreateUser(ctx context.Context, username string, email string, passwordHash string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
}

type RefreshTokenStore interface {
	InsertRefreshToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error)
	ConsumedTokenOwner(ctx context.Context, tokenHash string) (uuid.UUID, bool, error)
	RevokeUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error)
}

type Handlers struct {
	Users      UserStore
	Tokens     RefreshTokenStore
	Issuer     *authx.Issuer
	RefreshTTL time.Duration
	Logger     logx.Logger
	Dev        bool
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("GET /auth/me", h.handleMe)
	mux.HandleFunc("GET /.well-known/jwks.json", h.handleJWKS)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error(), "", false)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" {
		httpx.WriteError(w, http.StatusBadRequest, "username is required", "", false)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "a valid email is required", "", false)
		return
	}
	if len(req.Password) < 8 {
		httpx.WriteError(w, http.StatusBadRequest, "password must be at least 8 characters", "", false)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	user, err := h.Users.CreateUser(r.Context(), req.Username, req.Email, string(hash))
	if err != nil {
		if errors.Is(err, repos.ErrEmailTaken) {
			httpx.WriteError(w, http.StatusConflict, "email already registered", "", false)
			return
		}
		h.Logger.Error(r.Context(), "register_failed", "user create failed", slog.String("error", err.Error()))
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, toUserResponse(user))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresAt    string `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error(), "", false)
		return
	}

	user, err := h.Users.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, repos.ErrUserNotFound) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid credentials", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid credentials", "", false)
		return
	}

	resp, err := h.issueTokens(r.Context(), user.UserID)
	if err != nil {
		h.Logger.Error(r.Context(), "token_issue_failed", "token issue failed", slog.String("error", err.Error()))
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error(), "", false)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "refresh_token is required", "", false)
		return
	}

	tokenHash := hashToken(req.RefreshToken)
	userID, err := h.Tokens.ConsumeRefreshToken(r.Context(), tokenHash)
	if err != nil {
		if errors.Is(err, repos.ErrRefreshTokenUnusable) {
			h.revokeOnReuse(r.Context(), tokenHash)
			httpx.WriteError(w, http.StatusUnauthorized, "invalid refresh token", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}

	resp, err := h.issueTokens(r.Context(), userID)
	if err != nil {
		h.Logger.Error(r.Context(), "token_issue_failed", "token issue failed", slog.String("error", err.Error()))
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// revokeOnReuse kills a user's whole refresh token family when rotation
// sees an already-consumed token again: a replay means the token leaked,
// and any descendant minted from it can no longer be trusted. Unknown and
// merely expired tokens name no one and are left alone.
func (h *Handlers) revokeOnReuse(ctx context.Context, tokenHash string) {
	ownerID, reused, err := h.Tokens.ConsumedTokenOwner(ctx, tokenHash)
	if err != nil {
		h.Logger.Warn(ctx, "refresh_reuse_lookup_failed", "consumed token lookup failed", slog.String("error", err.Error()))
		return
	}
	if !reused {
		return
	}
	revoked, err := h.Tokens.RevokeUserRefreshTokens(ctx, ownerID)
	if err != nil {
		h.Logger.Warn(ctx, "refresh_reuse_revoke_failed", "family revoke failed",
			slog.String("user_id", ownerID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	h.Logger.Error(ctx, "refresh_reuse_detected", "consumed refresh token replayed, family revoked",
		slog.String("user_id", ownerID.String()),
		slog.Int64("revoked", revoked),
	)
}

// handleLogout revokes every live refresh token for the caller. The access
// token stays valid until its own expiry; only rotation is cut off.
func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	rawID := authx.UserIDFromHeader(r)
	userID, err := uuid.Parse(rawID)
	if rawID == "" || err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "missing identity", "", false)
		return
	}
	revoked, err := h.Tokens.RevokeUserRefreshTokens(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "revoked": revoked})
}

func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	rawID := authx.UserIDFromHeader(r)
	if rawID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "missing identity", "", false)
		return
	}
	userID, err := uuid.Parse(rawID)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid identity", "", false)
		return
	}

	user, err := h.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repos.ErrUserNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "user not found", "", false)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handlers) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.Issuer.JWKS()
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error", err.Error(), h.Dev)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, set)
}

// issueTokens mints a fresh access token plus a new single-use refresh
// token. Only the refresh token's hash is stored.
func (h *Handlers) issueTokens(ctx context.Context, userID uuid.UUID) (tokenResponse, error) {
	access, expiresAt, err := h.Issuer.IssueAccessToken(userID.String())
	if err != nil {
		return tokenResponse{}, err
	}
	refresh, err := newOpaqueToken()
	if err != nil {
		return tokenResponse{}, err
	}
	if err := h.Tokens.InsertRefreshToken(ctx, hashToken(refresh), userID, time.Now().UTC().Add(h.RefreshTTL)); err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{
		AccessToken:  access,
		ExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
		RefreshToken: refresh,
	}, nil
}

func toUserResponse(u models.User) userResponse {
	return userResponse{
		UserID:    u.UserID.String(),
		Username:  u.Username,
		Email:     u.Email,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}

func newOpaqueToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
