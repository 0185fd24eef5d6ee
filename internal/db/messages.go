package db

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendMessage inserts a message and bumps the frame and conversation
// updated_at stamps in one transaction. Messages are append-only.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	now := nowMillis()
	m.CreatedAt = fromMillis(now)

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, frame_id, role, name, content, thinking, agent_id, raw_input, raw_output, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.FrameID, m.Role, nullable(m.Name), m.Content, m.Thinking, nullable(m.AgentID), m.RawInput, m.RawOutput, now,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE frames SET updated_at = ? WHERE id = ?`, now, m.FrameID); err != nil {
			return fmt.Errorf("touch frame: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = ?
			WHERE id = (SELECT conversation_id FROM frames WHERE id = ?)`, now, m.FrameID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
}

// List queries skip the raw LM blobs; GetMessage fetches the full row when
// debug output is explicitly requested.
const messageCols = `id, frame_id, role, name, content, thinking, agent_id, created_at`

// ListFrameMessages returns a frame's messages oldest first.
func (s *Store) ListFrameMessages(ctx context.Context, frameID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages WHERE frame_id = ? ORDER BY created_at, rowid`, frameID)
	if err != nil {
		return nil, fmt.Errorf("list frame messages: %w", err)
	}
	return collectMessages(rows)
}

// ListFrameMessagesPage returns one page of a frame's messages oldest
// first. A non-positive limit means no cap.
func (s *Store) ListFrameMessagesPage(ctx context.Context, frameID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages WHERE frame_id = ? ORDER BY created_at, rowid
		LIMIT ? OFFSET ?`, frameID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list frame messages: %w", err)
	}
	return collectMessages(rows)
}

// ListConversationMessages returns every message of a conversation across
// all frames, oldest first.
func (s *Store) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.frame_id, m.role, m.name, m.content, m.thinking, m.agent_id, m.created_at
		FROM messages m
		JOIN frames f ON f.id = m.frame_id
		WHERE f.conversation_id = ?
		ORDER BY m.created_at, m.rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	return collectMessages(rows)
}

// ListConversationMessagesPage returns one page of a conversation's
// messages across all frames, oldest first. A non-positive limit means
// no cap.
func (s *Store) ListConversationMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.frame_id, m.role, m.name, m.content, m.thinking, m.agent_id, m.created_at
		FROM messages m
		JOIN frames f ON f.id = m.frame_id
		WHERE f.conversation_id = ?
		ORDER BY m.created_at, m.rowid
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	return collectMessages(rows)
}

// CountConversationMessages returns the number of messages across all of
// a conversation's frames.
func (s *Store) CountConversationMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN frames f ON f.id = m.frame_id
		WHERE f.conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversation messages: %w", err)
	}
	return n, nil
}

// SearchMessages returns messages of a conversation whose content matches
// the query substring, newest first.
func (s *Store) SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.frame_id, m.role, m.name, m.content, m.thinking, m.agent_id, m.created_at
		FROM messages m
		JOIN frames f ON f.id = m.frame_id
		WHERE f.conversation_id = ? AND m.content LIKE '%' || ? || '%' ESCAPE '\'
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ?`, conversationID, escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return collectMessages(rows)
}

// GetMessage returns one message including the raw LM input/output blobs.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	var name, agentID sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, frame_id, role, name, content, thinking, agent_id, raw_input, raw_output, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.FrameID, &m.Role, &name, &m.Content, &m.Thinking, &agentID, &m.RawInput, &m.RawOutput, &created)
	if err != nil {
		return nil, err
	}
	m.Name = stringOrEmpty(name)
	m.AgentID = stringOrEmpty(agentID)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

// CountFrameMessages returns the number of messages in a frame.
func (s *Store) CountFrameMessages(ctx context.Context, frameID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE frame_id = ?`, frameID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count frame messages: %w", err)
	}
	return n, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var name, agentID sql.NullString
		var created int64
		err := rows.Scan(&m.ID, &m.FrameID, &m.Role, &name, &m.Content, &m.Thinking, &agentID, &created)
		if err != nil {
			return nil, err
		}
		m.Name = stringOrEmpty(name)
		m.AgentID = stringOrEmpty(agentID)
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// escapeLike escapes LIKE wildcards in user-supplied search text.
func escapeLike(q string) string {
	out := make([]byte, 0, len(q))
	for i := 0; i < len(q); i++ {
		switch q[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, q[i])
	}
	return string(out)
}
