package db

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Tool server transports.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// User is an account holder.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"-"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	LMBaseURL    string    `json:"lm_base_url,omitempty"`
	SummaryModel string    `json:"summary_model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Agent is a persona owned by a user. ExcludedTools lists tool names the
// agent must not see; built-in tools are exposed regardless.
type Agent struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	SystemPrompt  string    `json:"system_prompt,omitempty"`
	VoiceID       string    `json:"voice_id,omitempty"`
	AvatarID      string    `json:"avatar_id,omitempty"`
	ModelName     string    `json:"model_name,omitempty"`
	ExcludedTools []string  `json:"excluded_tools,omitempty"`
	Think         bool      `json:"think"`
	Memory        string    `json:"memory,omitempty"`
	TriggerPhrase string    `json:"trigger_phrase,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Conversation groups frames under a user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Frame groups contiguous messages of a conversation that share context.
// Summaries condense closed frames.
type Frame struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Summary        string    `json:"summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one history entry inside a frame. Name holds the agent name
// for assistant rows and the tool name for tool rows; it is empty for user
// rows. AgentID is a weak reference: deleting the agent nulls it.
type Message struct {
	ID        string    `json:"id"`
	FrameID   string    `json:"frame_id"`
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	RawInput  string    `json:"raw_input,omitempty"`
	RawOutput string    `json:"raw_output,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Skill is a named block of instructions an agent can pull in on demand.
type Skill struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolServer is an external tool server registration. Transport selects
// between a spawned subprocess (Command/Args/Env) and a streamed HTTP
// endpoint (URL).
type ToolServer struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   bool              `json:"enabled"`
	Location  string            `json:"location,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Schedule is a cron-driven message delivered as if the user had typed it.
type Schedule struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name,omitempty"`
	Expression     string    `json:"expression"`
	Message        string    `json:"message"`
	AgentID        string    `json:"agent_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Enabled        bool      `json:"enabled"`
	LastRun        time.Time `json:"last_run,omitempty"`
	RunCount       int64     `json:"run_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RefreshToken stores the hash of an issued refresh token.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
