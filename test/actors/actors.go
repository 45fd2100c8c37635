// Package actors drives the trackers concurrently against a shared set of
// folders. Each actor loops until stop is closed or ctx ends.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"expedientes/db"
	"expedientes/folder"
	"expedientes/outbox"
	"expedientes/stage"
	"expedientes/statushistory"
)

// expected reports errors that legitimately happen under contention or chaos.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, db.ErrTxAborted) ||
		errors.Is(err, stage.ErrNoActiveStage) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		connectionLost(err)
}

// connectionLost matches the errors a read sees when chaos kills its backend.
// Reads do not go through WithinTx, so nothing wraps them in ErrTxAborted.
func connectionLost(err error) bool {
	var (
		pgErr  *pgconn.PgError
		netErr net.Error
	)
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08")
	}
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		pgconn.SafeToRetry(err) ||
		pgconn.Timeout(err)
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

func done(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// StageWalker starts random catalog stages on random folders, racing the
// other walkers so that auto-close runs under contention.
func StageWalker(ctx context.Context, svc *stage.Service, folderIDs []string, actor string, stop <-chan struct{}) error {
	defs := svc.Catalog().Definitions()
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		folderID := folderIDs[rand.Intn(len(folderIDs))]
		def := defs[rand.Intn(len(defs))]
		if _, err := svc.Start(ctx, folderID, def.Name, actor, "stress"); !expected(err) {
			return fmt.Errorf("start %s on %s: %w", def.Name, folderID, err)
		}
		pause(5, 20)
	}
}

// Ender closes whatever stage is open; ErrNoActiveStage is fine.
func Ender(ctx context.Context, svc *stage.Service, folderIDs []string, actor string, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		folderID := folderIDs[rand.Intn(len(folderIDs))]
		if _, err := svc.EndCurrent(ctx, folderID, actor, ""); !expected(err) {
			return fmt.Errorf("end current on %s: %w", folderID, err)
		}
		pause(20, 40)
	}
}

// StatusFlipper moves folders through random statuses, including no-op
// updates to the current one.
func StatusFlipper(ctx context.Context, svc *statushistory.Service, folderIDs []string, actor string, stop <-chan struct{}) error {
	statuses := folder.Statuses()
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		folderID := folderIDs[rand.Intn(len(folderIDs))]
		next := statuses[rand.Intn(len(statuses))]
		if _, err := svc.UpdateFolderStatus(ctx, folderID, next, actor, ""); !expected(err) {
			return fmt.Errorf("update status on %s: %w", folderID, err)
		}
		pause(10, 30)
	}
}

// Reader computes both kinds of statistics while writers are running. Totals
// must never be negative.
func Reader(ctx context.Context, stages *stage.Service, statuses *statushistory.Service, folderIDs []string, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		folderID := folderIDs[rand.Intn(len(folderIDs))]

		ps, err := stages.ProcessStats(ctx, folderID)
		if !expected(err) {
			return fmt.Errorf("process stats %s: %w", folderID, err)
		}
		if err == nil && ps.Totals.Total.Milliseconds < 0 {
			return fmt.Errorf("process stats %s: negative total %d", folderID, ps.Totals.Total.Milliseconds)
		}

		st, err := statuses.Stats(ctx, folderID)
		if !expected(err) {
			return fmt.Errorf("status stats %s: %w", folderID, err)
		}
		if err == nil && st.TotalDuration.Milliseconds < 0 {
			return fmt.Errorf("status stats %s: negative total %d", folderID, st.TotalDuration.Milliseconds)
		}
		pause(30, 50)
	}
}

// CountingPublisher accepts everything and fails one publish in ten.
type CountingPublisher struct {
	Published atomic.Int64
}

func (p *CountingPublisher) Publish(_ context.Context, _ outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker failure")
	}
	p.Published.Add(1)
	return nil
}

// OutboxWorker drains the outbox through relay.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		// Publish failures are simulated and store errors come from chaos;
		// the next pass retries either way.
		_, _ = relay.Drain(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
