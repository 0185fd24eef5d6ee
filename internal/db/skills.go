package db

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSkill inserts a new skill. Name must be unique per user.
func (s *Store) CreateSkill(ctx context.Context, sk *Skill) error {
	if sk.ID == "" {
		sk.ID = NewID()
	}
	now := nowMillis()
	sk.CreatedAt = fromMillis(now)
	sk.UpdatedAt = fromMillis(now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (id, user_id, name, instructions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.UserID, sk.Name, sk.Instructions, now, now,
	)
	if err != nil {
		return fmt.Errorf("create skill: %w", err)
	}
	return nil
}

// GetSkill returns a skill by id.
func (s *Store) GetSkill(ctx context.Context, id string) (*Skill, error) {
	return scanSkill(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, instructions, created_at, updated_at
		FROM skills WHERE id = ?`, id))
}

// GetSkillByName returns a user's skill by name.
func (s *Store) GetSkillByName(ctx context.Context, userID, name string) (*Skill, error) {
	return scanSkill(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, instructions, created_at, updated_at
		FROM skills WHERE user_id = ? AND name = ?`, userID, name))
}

// ListSkills returns a user's skills ordered by name.
func (s *Store) ListSkills(ctx context.Context, userID string) ([]Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, instructions, created_at, updated_at
		FROM skills WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var skills []Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, *sk)
	}
	return skills, rows.Err()
}

// UpdateSkill writes the mutable skill fields.
func (s *Store) UpdateSkill(ctx context.Context, sk *Skill) error {
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE skills SET name = ?, instructions = ?, updated_at = ? WHERE id = ?`,
		sk.Name, sk.Instructions, now, sk.ID,
	)
	if err != nil {
		return fmt.Errorf("update skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	sk.UpdatedAt = fromMillis(now)
	return nil
}

// DeleteSkill removes a skill.
func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanSkill(row rowScanner) (*Skill, error) {
	var sk Skill
	var created, updated int64
	if err := row.Scan(&sk.ID, &sk.UserID, &sk.Name, &sk.Instructions, &created, &updated); err != nil {
		return nil, err
	}
	sk.CreatedAt = fromMillis(created)
	sk.UpdatedAt = fromMillis(updated)
	return &sk, nil
}
