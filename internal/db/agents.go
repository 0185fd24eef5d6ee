package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateAgent inserts a new agent. Name must be unique per user.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	now := nowMillis()
	a.CreatedAt = fromMillis(now)
	a.UpdatedAt = fromMillis(now)

	excluded, err := json.Marshal(a.ExcludedTools)
	if err != nil {
		return fmt.Errorf("marshal excluded tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, system_prompt, voice_id, avatar_id, model_name, excluded_tools, think, memory, trigger_phrase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.SystemPrompt, a.VoiceID, a.AvatarID, a.ModelName, string(excluded), a.Think, a.Memory, a.TriggerPhrase, now, now,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, system_prompt, voice_id, avatar_id, model_name, excluded_tools, think, memory, trigger_phrase, created_at, updated_at
		FROM agents WHERE id = ?`, id))
}

// GetAgentByName returns a user's agent by its per-user unique name.
func (s *Store) GetAgentByName(ctx context.Context, userID, name string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, system_prompt, voice_id, avatar_id, model_name, excluded_tools, think, memory, trigger_phrase, created_at, updated_at
		FROM agents WHERE user_id = ? AND name = ?`, userID, name))
}

// ListAgents returns a user's agents in creation order.
func (s *Store) ListAgents(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, system_prompt, voice_id, avatar_id, model_name, excluded_tools, think, memory, trigger_phrase, created_at, updated_at
		FROM agents WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgent writes the mutable agent fields.
func (s *Store) UpdateAgent(ctx context.Context, a *Agent) error {
	now := nowMillis()
	excluded, err := json.Marshal(a.ExcludedTools)
	if err != nil {
		return fmt.Errorf("marshal excluded tools: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = ?, system_prompt = ?, voice_id = ?, avatar_id = ?, model_name = ?, excluded_tools = ?, think = ?, trigger_phrase = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.SystemPrompt, a.VoiceID, a.AvatarID, a.ModelName, string(excluded), a.Think, a.TriggerPhrase, now, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	a.UpdatedAt = fromMillis(now)
	return nil
}

// UpdateAgentMemory replaces the agent's persistent memory text.
func (s *Store) UpdateAgentMemory(ctx context.Context, id, memory string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET memory = ?, updated_at = ? WHERE id = ?`,
		memory, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update agent memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAgent removes an agent. Messages referencing it keep their rows
// with a nulled agent id.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var excluded string
	var created, updated int64
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.SystemPrompt, &a.VoiceID, &a.AvatarID, &a.ModelName, &excluded, &a.Think, &a.Memory, &a.TriggerPhrase, &created, &updated)
	if err != nil {
		return nil, err
	}
	if excluded != "" {
		if err := json.Unmarshal([]byte(excluded), &a.ExcludedTools); err != nil {
			return nil, fmt.Errorf("unmarshal excluded tools: %w", err)
		}
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}
