package store

import (
	"database/sql"
	"fmt"
)

// QueueItem is the peripheral atomic-claim queue named in spec.md §4.1.
type QueueItem struct {
	ID        string
	SessionID string
	Status    string
	Payload   []byte
}

func (s *Store) EnqueueItem(id, sessionID string, payload []byte) error {
	_, err := s.Exec(
		`INSERT INTO queue_items (id, session_id, payload) VALUES ($1, $2, $3)`,
		id, sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

// ClaimQueueItem atomically claims one pending item with
// UPDATE ... WHERE status='pending' RETURNING, exactly the teacher's
// peripheral-queue claim pattern.
func (s *Store) ClaimQueueItem() (*QueueItem, error) {
	item := &QueueItem{}
	err := s.QueryRow(
		`UPDATE queue_items SET status = 'claimed', claimed_at = NOW()
		 WHERE id = (
		   SELECT id FROM queue_items WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, session_id, status, payload`,
	).Scan(&item.ID, &item.SessionID, &item.Status, &item.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return item, nil
}
