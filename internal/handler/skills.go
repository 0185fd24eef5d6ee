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

// ListSkillsHandler returns the user's stored skills plus the names of
// the file packs on disk, so clients can show both sources.
func ListSkillsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		dbSkills, err := svcCtx.Store.ListSkills(ctx, middleware.GetUserID(ctx))
		if err != nil {
			logging.Errorf("Failed to list skills: %v", err)
			httputil.InternalError(w, "failed to list skills")
			return
		}

		var packs []string
		for _, p := range svcCtx.Skills.List() {
			packs = append(packs, p.Name)
		}

		httputil.OkJSON(w, &types.ListSkillsResponse{Skills: dbSkills, Packs: packs})
	}
}

func CreateSkillHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := middleware.GetUserID(ctx)

		var req types.CreateSkillRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			httputil.BadRequest(w, "name is required")
			return
		}
		if req.Instructions == "" {
			httputil.BadRequest(w, "instructions are required")
			return
		}
		if _, err := svcCtx.Store.GetSkillByName(ctx, userID, req.Name); err == nil {
			httputil.ErrorWithCode(w, http.StatusConflict, "skill name already in use")
			return
		}

		skill := &db.Skill{
			UserID:       userID,
			Name:         req.Name,
			Instructions: req.Instructions,
		}
		if err := svcCtx.Store.CreateSkill(ctx, skill); err != nil {
			logging.Errorf("Failed to create skill: %v", err)
			httputil.InternalError(w, "failed to create skill")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, skill)
	}
}

func GetSkillHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		skill, err := ownedSkill(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "skill not found")
			return
		}
		httputil.OkJSON(w, skill)
	}
}

func UpdateSkillHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.UpdateSkillRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			httputil.BadRequest(w, "name is required")
			return
		}

		skill, err := ownedSkill(ctx, svcCtx, req.ID)
		if err != nil {
			httputil.NotFound(w, "skill not found")
			return
		}
		if other, err := svcCtx.Store.GetSkillByName(ctx, skill.UserID, req.Name); err == nil && other.ID != skill.ID {
			httputil.ErrorWithCode(w, http.StatusConflict, "skill name already in use")
			return
		}

		skill.Name = req.Name
		skill.Instructions = req.Instructions
		if err := svcCtx.Store.UpdateSkill(ctx, skill); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				httputil.NotFound(w, "skill not found")
				return
			}
			logging.Errorf("Failed to update skill: %v", err)
			httputil.InternalError(w, "failed to update skill")
			return
		}
		httputil.OkJSON(w, skill)
	}
}

func DeleteSkillHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		skill, err := ownedSkill(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "skill not found")
			return
		}
		if err := svcCtx.Store.DeleteSkill(ctx, skill.ID); err != nil {
			logging.Errorf("Failed to delete skill: %v", err)
			httputil.InternalError(w, "failed to delete skill")
			return
		}
		httputil.OkJSON(w, &types.StatusResponse{Status: "deleted"})
	}
}

func ownedSkill(ctx context.Context, svcCtx *svc.ServiceContext, id string) (*db.Skill, error) {
	if id == "" {
		return nil, sql.ErrNoRows
	}
	skill, err := svcCtx.Store.GetSkill(ctx, id)
	if err != nil {
		return nil, err
	}
	if skill.UserID != middleware.GetUserID(ctx) {
		return nil, sql.ErrNoRows
	}
	return skill, nil
}
