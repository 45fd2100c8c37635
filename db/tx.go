package db

import (
	"context"
	"errors"
	"time"
)

// ErrTxAborted signals that the store could not commit an atomic unit of work
// (conflict, lost connection, failed commit). Nothing from the attempt is
// visible; callers may retry.
var ErrTxAborted = errors.New("db: transaction aborted")

// TxRunner runs fn inside a single transaction. The context passed to fn
// carries the transaction, so every repository call made with it participates.
// Errors returned by fn roll the transaction back and are returned unchanged;
// failures of the store itself are wrapped with ErrTxAborted.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Now returns the current UTC time truncated to the millisecond precision every
// backend can round-trip.
func Now(clock func() time.Time) time.Time {
	return clock().UTC().Truncate(time.Millisecond)
}
