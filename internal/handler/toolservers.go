package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/httputil"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/middleware"
	"github.com/parleyhq/parley/internal/svc"
	"github.com/parleyhq/parley/internal/types"
)

func ListToolServersHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		servers, err := svcCtx.Store.ListToolServers(ctx, middleware.GetUserID(ctx))
		if err != nil {
			logging.Errorf("Failed to list tool servers: %v", err)
			httputil.InternalError(w, "failed to list tool servers")
			return
		}
		httputil.OkJSON(w, &types.ListToolServersResponse{Servers: servers})
	}
}

// CreateToolServerHandler registers an external tool server. The cached
// tool list is invalidated so the next turn sees it.
func CreateToolServerHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := middleware.GetUserID(ctx)

		var req types.CreateToolServerRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if msg := validateToolServer(&req); msg != "" {
			httputil.BadRequest(w, msg)
			return
		}

		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		server := &db.ToolServer{
			UserID:    userID,
			Name:      req.Name,
			Transport: req.Transport,
			URL:       req.URL,
			Command:   req.Command,
			Args:      req.Args,
			Env:       req.Env,
			Enabled:   enabled,
			Location:  req.Location,
		}
		if err := svcCtx.Store.CreateToolServer(ctx, server); err != nil {
			logging.Errorf("Failed to create tool server: %v", err)
			httputil.InternalError(w, "failed to create tool server")
			return
		}

		svcCtx.MCP.Invalidate(userID)
		httputil.WriteJSON(w, http.StatusCreated, server)
	}
}

func GetToolServerHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		server, err := ownedToolServer(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "tool server not found")
			return
		}
		httputil.OkJSON(w, server)
	}
}

func UpdateToolServerHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.UpdateToolServerRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if msg := validateToolServer(&req.CreateToolServerRequest); msg != "" {
			httputil.BadRequest(w, msg)
			return
		}

		server, err := ownedToolServer(ctx, svcCtx, req.ID)
		if err != nil {
			httputil.NotFound(w, "tool server not found")
			return
		}

		server.Name = req.Name
		server.Transport = req.Transport
		server.URL = req.URL
		server.Command = req.Command
		server.Args = req.Args
		server.Env = req.Env
		server.Location = req.Location
		if req.Enabled != nil {
			server.Enabled = *req.Enabled
		}

		if err := svcCtx.Store.UpdateToolServer(ctx, server); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				httputil.NotFound(w, "tool server not found")
				return
			}
			logging.Errorf("Failed to update tool server: %v", err)
			httputil.InternalError(w, "failed to update tool server")
			return
		}

		svcCtx.MCP.Invalidate(server.UserID)
		httputil.OkJSON(w, server)
	}
}

func DeleteToolServerHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		server, err := ownedToolServer(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "tool server not found")
			return
		}
		if err := svcCtx.Store.DeleteToolServer(ctx, server.ID); err != nil {
			logging.Errorf("Failed to delete tool server: %v", err)
			httputil.InternalError(w, "failed to delete tool server")
			return
		}

		svcCtx.MCP.Invalidate(server.UserID)
		httputil.OkJSON(w, &types.StatusResponse{Status: "deleted"})
	}
}

// validateToolServer checks the transport-specific required fields.
// Returns an empty string when the request is valid.
func validateToolServer(req *types.CreateToolServerRequest) string {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return "name is required"
	}
	switch req.Transport {
	case db.TransportStdio:
		if req.Command == "" {
			return "command is required for stdio transport"
		}
	case db.TransportSSE:
		if req.URL == "" {
			return "url is required for sse transport"
		}
	default:
		return "transport must be stdio or sse"
	}
	return ""
}

func ownedToolServer(ctx context.Context, svcCtx *svc.ServiceContext, id string) (*db.ToolServer, error) {
	if id == "" {
		return nil, sql.ErrNoRows
	}
	server, err := svcCtx.Store.GetToolServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if server.UserID != middleware.GetUserID(ctx) {
		return nil, sql.ErrNoRows
	}
	return server, nil
}
