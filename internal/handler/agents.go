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

func ListAgentsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		agents, err := svcCtx.Store.ListAgents(ctx, middleware.GetUserID(ctx))
		if err != nil {
			logging.Errorf("Failed to list agents: %v", err)
			httputil.InternalError(w, "failed to list agents")
			return
		}
		httputil.OkJSON(w, &types.ListAgentsResponse{Agents: agents})
	}
}

func CreateAgentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := middleware.GetUserID(ctx)

		var req types.CreateAgentRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			httputil.BadRequest(w, "name is required")
			return
		}
		if _, err := svcCtx.Store.GetAgentByName(ctx, userID, req.Name); err == nil {
			httputil.ErrorWithCode(w, http.StatusConflict, "agent name already in use")
			return
		}

		agent := &db.Agent{
			UserID:        userID,
			Name:          req.Name,
			SystemPrompt:  req.SystemPrompt,
			VoiceID:       req.VoiceID,
			AvatarID:      req.AvatarID,
			ModelName:     req.ModelName,
			ExcludedTools: req.ExcludedTools,
			Think:         req.Think,
			TriggerPhrase: req.TriggerPhrase,
		}
		if err := svcCtx.Store.CreateAgent(ctx, agent); err != nil {
			logging.Errorf("Failed to create agent: %v", err)
			httputil.InternalError(w, "failed to create agent")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, agent)
	}
}

func GetAgentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		agent, err := ownedAgent(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "agent not found")
			return
		}
		httputil.OkJSON(w, agent)
	}
}

func UpdateAgentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.UpdateAgentRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			httputil.BadRequest(w, "name is required")
			return
		}

		agent, err := ownedAgent(ctx, svcCtx, req.ID)
		if err != nil {
			httputil.NotFound(w, "agent not found")
			return
		}
		if other, err := svcCtx.Store.GetAgentByName(ctx, agent.UserID, req.Name); err == nil && other.ID != agent.ID {
			httputil.ErrorWithCode(w, http.StatusConflict, "agent name already in use")
			return
		}

		agent.Name = req.Name
		agent.SystemPrompt = req.SystemPrompt
		agent.VoiceID = req.VoiceID
		agent.AvatarID = req.AvatarID
		agent.ModelName = req.ModelName
		agent.ExcludedTools = req.ExcludedTools
		agent.Think = req.Think
		agent.TriggerPhrase = req.TriggerPhrase

		if err := svcCtx.Store.UpdateAgent(ctx, agent); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				httputil.NotFound(w, "agent not found")
				return
			}
			logging.Errorf("Failed to update agent: %v", err)
			httputil.InternalError(w, "failed to update agent")
			return
		}
		httputil.OkJSON(w, agent)
	}
}

func DeleteAgentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		agent, err := ownedAgent(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "agent not found")
			return
		}
		if err := svcCtx.Store.DeleteAgent(ctx, agent.ID); err != nil {
			logging.Errorf("Failed to delete agent: %v", err)
			httputil.InternalError(w, "failed to delete agent")
			return
		}
		httputil.OkJSON(w, &types.StatusResponse{Status: "deleted"})
	}
}

// ownedAgent loads an agent and verifies it belongs to the caller.
// Foreign agents read as missing.
func ownedAgent(ctx context.Context, svcCtx *svc.ServiceContext, id string) (*db.Agent, error) {
	if id == "" {
		return nil, sql.ErrNoRows
	}
	agent, err := svcCtx.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.UserID != middleware.GetUserID(ctx) {
		return nil, sql.ErrNoRows
	}
	return agent, nil
}
