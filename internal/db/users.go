package db

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateUser inserts a new user. ID, CreatedAt, and UpdatedAt are assigned
// when unset.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	now := nowMillis()
	u.CreatedAt = fromMillis(now)
	u.UpdatedAt = fromMillis(now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, password_hash, system_prompt, lm_base_url, summary_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.SystemPrompt, u.LMBaseURL, u.SummaryModel, now, now,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, system_prompt, lm_base_url, summary_model, created_at, updated_at
		FROM users WHERE id = ?`, id))
}

// GetUserByUsername returns a user by unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, system_prompt, lm_base_url, summary_model, created_at, updated_at
		FROM users WHERE username = ?`, username))
}

// UpdateUser writes the mutable user fields.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET display_name = ?, system_prompt = ?, lm_base_url = ?, summary_model = ?, updated_at = ?
		WHERE id = ?`,
		u.DisplayName, u.SystemPrompt, u.LMBaseURL, u.SummaryModel, now, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	u.UpdatedAt = fromMillis(now)
	return nil
}

// CountUsers returns the number of registered users. Setup is open while
// this is zero.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var created, updated int64
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.SystemPrompt, &u.LMBaseURL, &u.SummaryModel, &created, &updated)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}
