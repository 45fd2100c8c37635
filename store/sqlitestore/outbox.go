package sqlitestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"expedientes/outbox"
)

var _ outbox.Source = (*Store)(nil)

func (s *Store) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	msg, err := outbox.NewMessage(topic, payload, time.Now())
	if err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO outbox (id, topic, payload, created_at) VALUES (?, ?, ?, ?)`,
		msg.ID, msg.Topic, msg.Payload, toMillis(msg.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlitestore: enqueue outbox: %w", err)
	}
	return nil
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, topic, payload, created_at FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at, rowid
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: pending outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var (
			msg       outbox.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = fromMillis(createdAt)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, toMillis(at))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.q(ctx).ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("sqlitestore: mark outbox published: %w", err)
	}
	return nil
}
