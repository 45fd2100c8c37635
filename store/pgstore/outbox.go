package pgstore

import (
	"context"
	"fmt"
	"time"

	"expedientes/outbox"
)

var _ outbox.Source = (*Store)(nil)

// Enqueue writes an outbox row; called with a transactional context it
// commits or rolls back together with the transition.
func (s *Store) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	msg, err := outbox.NewMessage(topic, payload, time.Now())
	if err != nil {
		return err
	}
	if _, err := s.q(ctx).Exec(ctx, `
INSERT INTO outbox (id, topic, payload, created_at)
VALUES ($1, $2, $3::jsonb, $4)
`, msg.ID, msg.Topic, string(msg.Payload), msg.CreatedAt); err != nil {
		return fmt.Errorf("pgstore: enqueue outbox: %w", err)
	}
	return nil
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT id::text, topic, payload::text, created_at
FROM outbox
WHERE published_at IS NULL
ORDER BY position
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: pending outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var (
			msg     outbox.Message
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan outbox: %w", err)
		}
		msg.Payload = []byte(payload)
		msg.CreatedAt = msg.CreatedAt.UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.q(ctx).Exec(ctx, `
UPDATE outbox SET published_at = $2
WHERE id = ANY($1::uuid[]) AND published_at IS NULL
`, ids, at); err != nil {
		return fmt.Errorf("pgstore: mark outbox published: %w", err)
	}
	return nil
}
