package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateToolServer inserts an external tool server registration.
func (s *Store) CreateToolServer(ctx context.Context, t *ToolServer) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := nowMillis()
	t.CreatedAt = fromMillis(now)
	t.UpdatedAt = fromMillis(now)

	args, env, err := marshalServerConfig(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_servers (id, user_id, name, transport, url, command, args, env, enabled, location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.Transport, t.URL, t.Command, args, env, t.Enabled, t.Location, now, now,
	)
	if err != nil {
		return fmt.Errorf("create tool server: %w", err)
	}
	return nil
}

// GetToolServer returns a tool server by id.
func (s *Store) GetToolServer(ctx context.Context, id string) (*ToolServer, error) {
	return scanToolServer(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, transport, url, command, args, env, enabled, location, created_at, updated_at
		FROM tool_servers WHERE id = ?`, id))
}

// ListToolServers returns a user's tool servers in creation order.
func (s *Store) ListToolServers(ctx context.Context, userID string) ([]ToolServer, error) {
	return s.listToolServers(ctx, `
		SELECT id, user_id, name, transport, url, command, args, env, enabled, location, created_at, updated_at
		FROM tool_servers WHERE user_id = ? ORDER BY created_at, rowid`, userID)
}

// ListEnabledToolServers returns a user's enabled tool servers in creation
// order. Creation order is what makes tool-name shadowing deterministic.
func (s *Store) ListEnabledToolServers(ctx context.Context, userID string) ([]ToolServer, error) {
	return s.listToolServers(ctx, `
		SELECT id, user_id, name, transport, url, command, args, env, enabled, location, created_at, updated_at
		FROM tool_servers WHERE user_id = ? AND enabled = 1 ORDER BY created_at, rowid`, userID)
}

func (s *Store) listToolServers(ctx context.Context, query string, args ...any) ([]ToolServer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}
	defer rows.Close()

	var servers []ToolServer
	for rows.Next() {
		t, err := scanToolServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *t)
	}
	return servers, rows.Err()
}

// UpdateToolServer writes the mutable tool server fields.
func (s *Store) UpdateToolServer(ctx context.Context, t *ToolServer) error {
	now := nowMillis()
	args, env, err := marshalServerConfig(t)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_servers
		SET name = ?, transport = ?, url = ?, command = ?, args = ?, env = ?, enabled = ?, location = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Transport, t.URL, t.Command, args, env, t.Enabled, t.Location, now, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update tool server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	t.UpdatedAt = fromMillis(now)
	return nil
}

// DeleteToolServer removes a tool server registration.
func (s *Store) DeleteToolServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tool server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func marshalServerConfig(t *ToolServer) (args string, env string, err error) {
	argsJSON, err := json.Marshal(t.Args)
	if err != nil {
		return "", "", fmt.Errorf("marshal args: %w", err)
	}
	envMap := t.Env
	if envMap == nil {
		envMap = map[string]string{}
	}
	envJSON, err := json.Marshal(envMap)
	if err != nil {
		return "", "", fmt.Errorf("marshal env: %w", err)
	}
	return string(argsJSON), string(envJSON), nil
}

func scanToolServer(row rowScanner) (*ToolServer, error) {
	var t ToolServer
	var args, env string
	var created, updated int64
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Transport, &t.URL, &t.Command, &args, &env, &t.Enabled, &t.Location, &created, &updated)
	if err != nil {
		return nil, err
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if env != "" {
		if err := json.Unmarshal([]byte(env), &t.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env: %w", err)
		}
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
