// Package types holds the request and response shapes of the REST API.
package types

import "github.com/parleyhq/parley/internal/db"

// Health

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Setup and auth

type SetupStatusResponse struct {
	NeedsSetup bool `json:"needs_setup"`
}

type CreateUserRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse carries a fresh token pair. ExpiresAt is the access
// token expiry in unix milliseconds.
type AuthResponse struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	User         *db.User `json:"user,omitempty"`
}

// Agents

type CreateAgentRequest struct {
	Name          string   `json:"name"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	VoiceID       string   `json:"voice_id,omitempty"`
	AvatarID      string   `json:"avatar_id,omitempty"`
	ModelName     string   `json:"model_name,omitempty"`
	ExcludedTools []string `json:"excluded_tools,omitempty"`
	Think         bool     `json:"think"`
	TriggerPhrase string   `json:"trigger_phrase,omitempty"`
}

type UpdateAgentRequest struct {
	ID string `path:"id" json:"-"`
	CreateAgentRequest
}

type ListAgentsResponse struct {
	Agents []db.Agent `json:"agents"`
}

// Conversations

type ListConversationsResponse struct {
	Conversations []db.Conversation `json:"conversations"`
}

type ConversationMessagesRequest struct {
	ID     string `path:"id" json:"-"`
	Limit  int    `form:"limit" json:"-"`
	Offset int    `form:"offset" json:"-"`
}

type ConversationMessagesResponse struct {
	Messages []db.Message `json:"messages"`
	Total    int64        `json:"total"`
}

// Skills

type CreateSkillRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

type UpdateSkillRequest struct {
	ID string `path:"id" json:"-"`
	CreateSkillRequest
}

// ListSkillsResponse returns the user's stored skills plus the names of
// the file-based packs loaded from the skills directory.
type ListSkillsResponse struct {
	Skills []db.Skill `json:"skills"`
	Packs  []string   `json:"packs,omitempty"`
}

// Tool servers

type CreateToolServerRequest struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Location  string            `json:"location,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

type UpdateToolServerRequest struct {
	ID string `path:"id" json:"-"`
	CreateToolServerRequest
}

type ListToolServersResponse struct {
	Servers []db.ToolServer `json:"servers"`
}

// Models

type ListModelsResponse struct {
	Models    []string `json:"models"`
	Available bool     `json:"available"`
}

type PullModelRequest struct {
	Model string `json:"model"`
}

// Images

type UploadImageResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StatusResponse acknowledges mutations that return no body.
type StatusResponse struct {
	Status string `json:"status"`
}
