package handler

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/httputil"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/svc"
	"github.com/parleyhq/parley/internal/types"
)

// SetupStatusHandler reports whether first-run setup is still open.
func SetupStatusHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svcCtx.Store.CountUsers(r.Context())
		if err != nil {
			logging.Errorf("Failed to count users: %v", err)
			httputil.InternalError(w, "failed to check setup status")
			return
		}
		httputil.OkJSON(w, &types.SetupStatusResponse{NeedsSetup: n == 0})
	}
}

// CreateUserHandler creates the first account. It refuses once any
// user exists.
func CreateUserHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.CreateUserRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" {
			httputil.BadRequest(w, "username is required")
			return
		}
		if len(req.Password) < 8 {
			httputil.BadRequest(w, "password must be at least 8 characters")
			return
		}

		n, err := svcCtx.Store.CountUsers(ctx)
		if err != nil {
			logging.Errorf("Failed to count users: %v", err)
			httputil.InternalError(w, "failed to check setup status")
			return
		}
		if n > 0 {
			httputil.ErrorWithCode(w, http.StatusConflict, "setup already completed")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			logging.Errorf("Failed to hash password: %v", err)
			httputil.InternalError(w, "failed to hash password")
			return
		}

		user := &db.User{
			Username:     req.Username,
			DisplayName:  req.DisplayName,
			PasswordHash: string(hash),
		}
		if err := svcCtx.Store.CreateUser(ctx, user); err != nil {
			logging.Errorf("Failed to create user: %v", err)
			httputil.InternalError(w, "failed to create user")
			return
		}

		resp, err := issueTokens(ctx, svcCtx, user)
		if err != nil {
			logging.Errorf("Failed to issue tokens: %v", err)
			httputil.InternalError(w, "failed to issue tokens")
			return
		}

		logging.Infof("First user created: %s", user.Username)
		httputil.WriteJSON(w, http.StatusCreated, resp)
	}
}
