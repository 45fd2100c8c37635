package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"expedientes/outbox"
)

var _ outbox.Source = (*Store)(nil)

type outboxDoc struct {
	ID          string     `bson:"_id"`
	Position    int64      `bson:"position"`
	Topic       string     `bson:"topic"`
	Payload     []byte     `bson:"payload"`
	CreatedAt   time.Time  `bson:"created_at"`
	PublishedAt *time.Time `bson:"published_at"`
}

func (s *Store) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	now := time.Now()
	msg, err := outbox.NewMessage(topic, payload, now)
	if err != nil {
		return err
	}
	if _, err := s.outbox.InsertOne(ctx, outboxDoc{
		ID:        msg.ID,
		Position:  now.UnixNano(),
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	}); err != nil {
		return fmt.Errorf("mongostore: enqueue outbox: %w", err)
	}
	return nil
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]outbox.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "position", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.outbox.Find(ctx, bson.M{"published_at": nil}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: pending outbox: %w", err)
	}
	defer cur.Close(ctx)

	var out []outbox.Message
	for cur.Next(ctx) {
		var doc outboxDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, outbox.Message{
			ID:        doc.ID,
			Topic:     doc.Topic,
			Payload:   doc.Payload,
			CreatedAt: doc.CreatedAt.UTC(),
		})
	}
	return out, cur.Err()
}

func (s *Store) MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.outbox.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "published_at": nil},
		bson.M{"$set": bson.M{"published_at": at}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: mark outbox published: %w", err)
	}
	return nil
}
