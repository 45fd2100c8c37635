// Package outbox implements the transactional outbox: trackers enqueue
// messages inside their transaction, and a relay later hands committed
// messages to a publisher.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a committed outbox entry awaiting delivery.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Writer appends a message inside the caller's transaction.
type Writer interface {
	Enqueue(ctx context.Context, topic string, payload map[string]any) error
}

// Source is the read/acknowledge side used by the relay.
type Source interface {
	PendingOutbox(ctx context.Context, limit int) ([]Message, error)
	MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error
}

// Publisher delivers one message to the downstream transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// NewMessage encodes payload and stamps a fresh identifier. Stores call it
// from Enqueue so every backend produces the same shape.
func NewMessage(topic string, payload map[string]any, now time.Time) (Message, error) {
	if topic == "" {
		return Message{}, fmt.Errorf("outbox: empty topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: marshal payload: %w", err)
	}
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   body,
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}, nil
}

// Discard is a Writer that drops every message.
type Discard struct{}

func (Discard) Enqueue(context.Context, string, map[string]any) error { return nil }
