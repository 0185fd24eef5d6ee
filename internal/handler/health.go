// Package handler implements the REST API over svc.ServiceContext.
package handler

import (
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/httputil"
	"github.com/parleyhq/parley/internal/svc"
	"github.com/parleyhq/parley/internal/types"
)

const version = "0.1.0"

func HealthCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, &types.HealthResponse{
			Status:    "healthy",
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
