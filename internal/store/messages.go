package store

import (
	"fmt"
	"time"
)

// Message and SessionEvent are append-only persisted artifacts of a
// session turn; referenced but not on the hot path (spec.md §3).

type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

func (s *Store) InsertMessage(id, sessionID, role, content string) error {
	_, err := s.Exec(
		`INSERT INTO messages (id, session_id, role, content) VALUES ($1, $2, $3, $4)`,
		id, sessionID, role, content,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(sessionID string) ([]*Message, error) {
	rows, err := s.Query(
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = $1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertSessionEvent(id, sessionID, kind string, payload []byte) error {
	_, err := s.Exec(
		`INSERT INTO session_events (id, session_id, kind, payload) VALUES ($1, $2, $3, $4)`,
		id, sessionID, kind, payload,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

func (s *Store) RecordUsage(id, sessionID string, inputTokens, outputTokens, turns int64) error {
	_, err := s.Exec(
		`INSERT INTO usage_events (id, session_id, input_tokens, output_tokens, turns) VALUES ($1, $2, $3, $4, $5)`,
		id, sessionID, inputTokens, outputTokens, turns,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
