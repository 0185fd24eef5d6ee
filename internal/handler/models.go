package handler

import (
	"context"
	"net/http"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/httputil"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/middleware"
	"github.com/parleyhq/parley/internal/svc"
	"github.com/parleyhq/parley/internal/types"
)

// ListModelsHandler returns the models the user's Ollama endpoint has
// pulled. Users with an endpoint override see their own list.
func ListModelsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		baseURL := svcCtx.Providers.BaseURL(userBaseURL(ctx, svcCtx))

		if !ai.CheckOllamaAvailable(baseURL) {
			httputil.OkJSON(w, &types.ListModelsResponse{Available: false})
			return
		}

		models, err := ai.ListOllamaModels(baseURL)
		if err != nil {
			logging.Errorf("Failed to list models: %v", err)
			httputil.InternalError(w, "failed to list models")
			return
		}
		httputil.OkJSON(w, &types.ListModelsResponse{Models: models, Available: true})
	}
}

// PullModelHandler pulls a model onto the user's Ollama endpoint. The
// request blocks until the pull finishes, so large models take a while.
func PullModelHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.PullModelRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Model == "" {
			httputil.BadRequest(w, "model is required")
			return
		}

		baseURL := svcCtx.Providers.BaseURL(userBaseURL(ctx, svcCtx))
		if err := ai.EnsureOllamaModel(baseURL, req.Model); err != nil {
			logging.Errorf("Failed to pull model %s: %v", req.Model, err)
			httputil.InternalError(w, "failed to pull model")
			return
		}
		httputil.OkJSON(w, &types.StatusResponse{Status: "ok"})
	}
}

// userBaseURL returns the caller's Ollama endpoint override, or "" for
// the configured default.
func userBaseURL(ctx context.Context, svcCtx *svc.ServiceContext) string {
	user, err := svcCtx.Store.GetUser(ctx, middleware.GetUserID(ctx))
	if err != nil {
		return ""
	}
	return user.LMBaseURL
}
