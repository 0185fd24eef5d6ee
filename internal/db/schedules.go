package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSchedule inserts a cron schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = NewID()
	}
	now := nowMillis()
	sc.CreatedAt = fromMillis(now)
	sc.UpdatedAt = fromMillis(now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, user_id, name, expression, message, agent_id, conversation_id, enabled, last_run, run_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		sc.ID, sc.UserID, sc.Name, sc.Expression, sc.Message, nullable(sc.AgentID), nullable(sc.ConversationID), sc.Enabled, now, now,
	)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// GetSchedule returns a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, expression, message, agent_id, conversation_id, enabled, last_run, run_count, created_at, updated_at
		FROM schedules WHERE id = ?`, id))
}

// ListSchedules returns a user's schedules in creation order.
func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	return s.listSchedules(ctx, `
		SELECT id, user_id, name, expression, message, agent_id, conversation_id, enabled, last_run, run_count, created_at, updated_at
		FROM schedules WHERE user_id = ? ORDER BY created_at, rowid`, userID)
}

// ListEnabledSchedules returns every enabled schedule across users, for
// scheduler startup.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return s.listSchedules(ctx, `
		SELECT id, user_id, name, expression, message, agent_id, conversation_id, enabled, last_run, run_count, created_at, updated_at
		FROM schedules WHERE enabled = 1 ORDER BY created_at, rowid`)
}

// CountSchedules returns the number of schedules a user has.
func (s *Store) CountSchedules(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return n, nil
}

func (s *Store) listSchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

// UpdateSchedule writes the mutable schedule fields.
func (s *Store) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, expression = ?, message = ?, agent_id = ?, conversation_id = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		sc.Name, sc.Expression, sc.Message, nullable(sc.AgentID), nullable(sc.ConversationID), sc.Enabled, now, sc.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	sc.UpdatedAt = fromMillis(now)
	return nil
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkScheduleRun records a firing.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run = ?, run_count = run_count + 1, updated_at = ? WHERE id = ?`,
		toMillis(at), nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var agentID, conversationID sql.NullString
	var lastRun, created, updated int64
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Expression, &sc.Message, &agentID, &conversationID, &sc.Enabled, &lastRun, &sc.RunCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	sc.AgentID = stringOrEmpty(agentID)
	sc.ConversationID = stringOrEmpty(conversationID)
	sc.LastRun = fromMillis(lastRun)
	sc.CreatedAt = fromMillis(created)
	sc.UpdatedAt = fromMillis(updated)
	return &sc, nil
}
