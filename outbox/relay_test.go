package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []Message
	published map[string]time.Time
	markErr   error
}

func (f *fakeSource) PendingOutbox(_ context.Context, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.pending {
		if _, done := f.published[m.ID]; done {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkOutboxPublished(_ context.Context, ids []string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	if f.published == nil {
		f.published = map[string]time.Time{}
	}
	for _, id := range ids {
		f.published[id] = at
	}
	return nil
}

func (f *fakeSource) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakePublisher struct {
	sent   []string
	failOn string
}

func (f *fakePublisher) Publish(_ context.Context, msg Message) error {
	if msg.ID == f.failOn {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, msg.ID)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func messages(ids ...string) []Message {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, Message{ID: id, Topic: "stage.started", Payload: []byte(`{}`)})
	}
	return out
}

func TestNewMessage(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 678_901_234, time.UTC)
	msg, err := NewMessage("folder.status_changed", map[string]any{"new_status": "Cerrada"}, at)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "folder.status_changed", msg.Topic)
	assert.JSONEq(t, `{"new_status":"Cerrada"}`, string(msg.Payload))
	assert.Equal(t, at.Truncate(time.Millisecond), msg.CreatedAt)

	_, err = NewMessage("", nil, at)
	assert.Error(t, err)

	empty, err := NewMessage("stage.ended", nil, at)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty.Payload))
}

func TestRelayDrainPublishesBatch(t *testing.T) {
	src := &fakeSource{pending: messages("m1", "m2", "m3")}
	pub := &fakePublisher{}
	relay := NewRelay(src, pub, quietLogger()).WithBatchSize(2)

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2"}, pub.sent)

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	src := &fakeSource{pending: messages("m1", "m2", "m3")}
	pub := &fakePublisher{failOn: "m2"}
	relay := NewRelay(src, pub, quietLogger())

	n, err := relay.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, src.published, "m1")
	assert.NotContains(t, src.published, "m2")
	assert.NotContains(t, src.published, "m3")
}

func TestRelayMarkFailureKeepsMessagesPending(t *testing.T) {
	src := &fakeSource{pending: messages("m1"), markErr: errors.New("db down")}
	relay := NewRelay(src, &fakePublisher{}, quietLogger())

	n, err := relay.Drain(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, src.published)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{pending: messages("m1")}
	pub := &fakePublisher{}
	relay := NewRelay(src, pub, quietLogger()).WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return src.publishedCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRedisPublisher_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is empty; set it to a live Redis to run integration test")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "expedientes-test-" + time.Now().Format("150405.000000") + ":"
	pub := NewRedisPublisher(client, prefix)
	t.Cleanup(func() { client.Del(ctx, pub.Key("stage.ended")) })

	msg, err := NewMessage("stage.ended", map[string]any{"stage_name": "Alegatos"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, msg))

	raw, err := client.RPop(ctx, pub.Key("stage.ended")).Result()
	require.NoError(t, err)

	var got struct {
		ID      string          `json:"id"`
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, msg.ID, got.ID)
	assert.JSONEq(t, `{"stage_name":"Alegatos"}`, string(got.Payload))
}
