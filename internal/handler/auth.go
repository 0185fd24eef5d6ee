package handler

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/httputil"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/svc"
	"github.com/parleyhq/parley/internal/types"
)

// LoginHandler exchanges credentials for a token pair. Unknown users and
// wrong passwords are indistinguishable in the response.
func LoginHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.LoginRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Username == "" || req.Password == "" {
			httputil.BadRequest(w, "username and password are required")
			return
		}

		user, err := svcCtx.Store.GetUserByUsername(ctx, req.Username)
		if err != nil {
			httputil.Unauthorized(w, "invalid credentials")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			httputil.Unauthorized(w, "invalid credentials")
			return
		}

		resp, err := issueTokens(ctx, svcCtx, user)
		if err != nil {
			logging.Errorf("Failed to issue tokens: %v", err)
			httputil.InternalError(w, "failed to issue tokens")
			return
		}

		logging.Infof("User logged in: %s", user.Username)
		httputil.OkJSON(w, resp)
	}
}

// RefreshTokenHandler rotates a refresh token: the presented token is
// consumed and a fresh pair is issued.
func RefreshTokenHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.RefreshRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.RefreshToken == "" {
			httputil.BadRequest(w, "refresh_token is required")
			return
		}

		stored, err := svcCtx.Store.GetRefreshToken(ctx, hashToken(req.RefreshToken))
		if err != nil {
			httputil.Unauthorized(w, "invalid refresh token")
			return
		}
		if time.Now().After(stored.ExpiresAt) {
			_ = svcCtx.Store.DeleteRefreshToken(ctx, stored.ID)
			httputil.Unauthorized(w, "refresh token expired")
			return
		}
		if err := svcCtx.Store.DeleteRefreshToken(ctx, stored.ID); err != nil {
			// Already consumed by a concurrent refresh.
			httputil.Unauthorized(w, "invalid refresh token")
			return
		}

		user, err := svcCtx.Store.GetUser(ctx, stored.UserID)
		if err != nil {
			httputil.Unauthorized(w, "invalid refresh token")
			return
		}

		resp, err := issueTokens(ctx, svcCtx, user)
		if err != nil {
			logging.Errorf("Failed to issue tokens: %v", err)
			httputil.InternalError(w, "failed to issue tokens")
			return
		}
		httputil.OkJSON(w, resp)
	}
}

// issueTokens signs an access token and stores the hash of a new refresh
// token.
func issueTokens(ctx context.Context, svcCtx *svc.ServiceContext, user *db.User) (*types.AuthResponse, error) {
	now := time.Now()
	accessExpiry := now.Add(time.Duration(svcCtx.Config.Auth.AccessExpire) * time.Second)
	refreshExpiry := now.Add(time.Duration(svcCtx.Config.Auth.RefreshExpire) * time.Second)

	claims := jwt.MapClaims{
		"userId":   user.ID,
		"username": user.Username,
		"iat":      now.Unix(),
		"exp":      accessExpiry.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	accessToken, err := token.SignedString([]byte(svcCtx.Config.Auth.AccessSecret))
	if err != nil {
		return nil, err
	}

	refreshToken := generateToken()
	err = svcCtx.Store.CreateRefreshToken(ctx, &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: hashToken(refreshToken),
		ExpiresAt: refreshExpiry,
	})
	if err != nil {
		return nil, err
	}

	return &types.AuthResponse{
		Token:        accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExpiry.UnixMilli(),
		User:         user,
	}, nil
}

// generateToken returns a random opaque token.
func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// hashToken hashes a refresh token for storage; only hashes touch the
// database.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
