package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := nowMillis()
	c.CreatedAt = fromMillis(now)
	c.UpdatedAt = fromMillis(now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, now, now,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ?`, id))
}

// ListConversations returns a user's conversations, most recently active
// first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// UpdateConversationTitle renames a conversation.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteConversation removes a conversation and, by cascade, its frames
// and messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateFrame inserts a new frame into a conversation.
func (s *Store) CreateFrame(ctx context.Context, f *Frame) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	now := nowMillis()
	f.CreatedAt = fromMillis(now)
	f.UpdatedAt = fromMillis(now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frames (id, conversation_id, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.ConversationID, f.Summary, now, now,
	)
	if err != nil {
		return fmt.Errorf("create frame: %w", err)
	}
	return nil
}

// GetFrame returns a frame by id.
func (s *Store) GetFrame(ctx context.Context, id string) (*Frame, error) {
	return scanFrame(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, summary, created_at, updated_at
		FROM frames WHERE id = ?`, id))
}

// GetOrCreateFrame returns the latest frame of a conversation, inserting
// one when the conversation has none yet.
func (s *Store) GetOrCreateFrame(ctx context.Context, conversationID string) (*Frame, error) {
	f, err := s.LatestFrame(ctx, conversationID)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get or create frame: %w", err)
	}
	f = &Frame{ConversationID: conversationID}
	if err := s.CreateFrame(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// LatestFrame returns the most recently created frame of a conversation,
// or sql.ErrNoRows when the conversation has none.
func (s *Store) LatestFrame(ctx context.Context, conversationID string) (*Frame, error) {
	return scanFrame(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, summary, created_at, updated_at
		FROM frames WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, conversationID))
}

// ListFrames returns a conversation's frames oldest first.
func (s *Store) ListFrames(ctx context.Context, conversationID string) ([]Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, summary, created_at, updated_at
		FROM frames WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, *f)
	}
	return frames, rows.Err()
}

// TouchTimestamps bumps a conversation's and frame's updated_at to now.
func (s *Store) TouchTimestamps(ctx context.Context, conversationID, frameID string) error {
	now := nowMillis()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE frames SET updated_at = ? WHERE id = ?`, now, frameID); err != nil {
			return fmt.Errorf("touch frame: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
}

// UpdateFrameSummary stores the condensed summary of a closed frame.
func (s *Store) UpdateFrameSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE frames SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("update frame summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var created, updated int64
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

func scanFrame(row rowScanner) (*Frame, error) {
	var f Frame
	var created, updated int64
	if err := row.Scan(&f.ID, &f.ConversationID, &f.Summary, &created, &updated); err != nil {
		return nil, err
	}
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}
