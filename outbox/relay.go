package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultBatchSize = 100
	defaultInterval  = 2 * time.Second
)

// Relay moves committed outbox messages to a Publisher. Delivery is
// at-least-once: a message is acknowledged only after Publish succeeds.
type Relay struct {
	source    Source
	publisher Publisher
	logger    *slog.Logger
	batchSize int
	interval  time.Duration
	now       func() time.Time
}

func NewRelay(source Source, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		logger:    logger,
		batchSize: defaultBatchSize,
		interval:  defaultInterval,
		now:       time.Now,
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// Drain publishes one batch and returns how many messages were acknowledged.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	msgs, err := r.source.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: load pending: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(msgs))
	var publishErr error
	for _, msg := range msgs {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			publishErr = fmt.Errorf("outbox: publish %s: %w", msg.ID, err)
			break
		}
		published = append(published, msg.ID)
	}

	if len(published) > 0 {
		if err := r.source.MarkOutboxPublished(ctx, published, r.now().UTC()); err != nil {
			return 0, errors.Join(publishErr, fmt.Errorf("outbox: mark published: %w", err))
		}
	}
	return len(published), publishErr
}

// Run drains on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", slog.Int("batch_size", r.batchSize), slog.Duration("interval", r.interval))
	for {
		n, err := r.Drain(ctx)
		if err != nil {
			r.logger.Warn("outbox relay batch failed", slog.Any("error", err), slog.Int("published", n))
		} else if n > 0 {
			r.logger.Debug("outbox relay batch published", slog.Int("published", n))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}
