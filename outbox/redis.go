package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes messages onto one Redis list per topic:
//
//	<prefix><topic>   => LPUSH of a JSON envelope
//
// Consumers BRPOP the topics they care about.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "expedientes:"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

type envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Key returns the list key a topic is published to.
func (p *RedisPublisher) Key(topic string) string {
	return p.prefix + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(envelope{
		ID:        msg.ID,
		Topic:     msg.Topic,
		Payload:   json.RawMessage(msg.Payload),
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("outbox: encode envelope: %w", err)
	}
	return p.client.LPush(ctx, p.Key(msg.Topic), body).Err()
}
