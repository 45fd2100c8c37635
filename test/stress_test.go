package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"expedientes/folder"
	"expedientes/outbox"
	"expedientes/stage"
	"expedientes/statushistory"
	"expedientes/store/pgstore"
	"expedientes/test/actors"
	"expedientes/test/chaos"
	"expedientes/test/infra"
	"expedientes/test/oracles"
)

var (
	flStress      = flag.Bool("stress", false, "run the Postgres stress test")
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flFolders     = flag.Int("folders", 4, "number of folders the actors fight over")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestTrackersUnderContention(t *testing.T) {
	if !*flStress && os.Getenv("STRESS_TEST_PG_DSN") == "" {
		t.Skip("pass -stress or set STRESS_TEST_PG_DSN to run the stress test")
	}

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	store := pgstore.New(pool).WithMaxAttempts(5)
	stages := stage.NewService(store, nil)
	statuses := statushistory.NewService(store)
	folderIDs := mustSeed(t, ctx, store, *flFolders)

	publisher := &actors.CountingPublisher{}
	relay := outbox.NewRelay(store, publisher, slog.New(slog.NewTextHandler(io.Discard, nil))).WithBatchSize(50)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		actor := fmt.Sprintf("actor-%d", i)
		g.Go(func() error { return actors.StageWalker(ctx2, stages, folderIDs, actor, stop) })
		g.Go(func() error { return actors.StatusFlipper(ctx2, statuses, folderIDs, actor, stop) })
	}
	g.Go(func() error { return actors.Ender(ctx2, stages, folderIDs, "ender", stop) })
	g.Go(func() error { return actors.Reader(ctx2, stages, statuses, folderIDs, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, relay, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Errorf("Oracle %s failed. First row: %s", name, row)
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	var (
		name, row string
	)
	for attempt := 0; attempt < 3; attempt++ {
		if name, row, err = oracles.Run(ctx, pool); err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" && !failed {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after shutdown. First row: %s", name, row)
	}
	t.Logf("relay published %d messages", publisher.Published.Load())
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, store *pgstore.Store, n int) []string {
	t.Helper()
	svc := folder.NewService(store)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		f, err := svc.Create(ctx, folder.CreateParams{
			Name:    fmt.Sprintf("Stress folder %d", i),
			OwnerID: "stress-owner",
		})
		if err != nil {
			t.Fatalf("seed folder: %v", err)
		}
		ids = append(ids, f.ID)
	}
	return ids
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"folders", `SELECT id, status, current_phase, current_stage, updated_at FROM folders ORDER BY id`},
		{"stage_events", `SELECT folder_id, seq, stage_name, event_type, duration_ms, created_at FROM stage_events ORDER BY created_at DESC, seq DESC LIMIT 50`},
		{"status_history", `SELECT folder_id, seq, previous_status, new_status, duration_ms FROM status_history ORDER BY created_at DESC, seq DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, created_at, published_at FROM outbox ORDER BY position DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
