package store

import (
	"fmt"
	"time"
)

// Attachment is a peripheral entity: a file handed to or produced by a
// session, named but not interpreted (spec.md §1 scopes attachment
// handling out of the core; this is the minimal glue the HTTP surface
// in §6.1 needs).
type Attachment struct {
	ID          string
	SessionID   string
	Filename    string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

func (s *Store) CreateAttachment(id, sessionID, filename, contentType string, sizeBytes int64) (*Attachment, error) {
	_, err := s.Exec(
		`INSERT INTO attachments (id, session_id, filename, content_type, size_bytes) VALUES ($1, $2, $3, $4, $5)`,
		id, sessionID, filename, nullIfEmpty(contentType), sizeBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	return &Attachment{ID: id, SessionID: sessionID, Filename: filename, ContentType: contentType, SizeBytes: sizeBytes}, nil
}

func (s *Store) ListAttachments(sessionID string) ([]*Attachment, error) {
	rows, err := s.Query(
		`SELECT id, session_id, filename, COALESCE(content_type, ''), size_bytes, created_at
		 FROM attachments WHERE session_id = $1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		a := &Attachment{}
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAttachment(id string) error {
	_, err := s.Exec(`DELETE FROM attachments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}
