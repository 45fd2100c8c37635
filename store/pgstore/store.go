// Package pgstore is the PostgreSQL backend. Transitions lock the folder row
// with SELECT ... FOR UPDATE so same-folder writers queue behind each other.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"expedientes/db"
	"expedientes/folder"
	"expedientes/stage"
	"expedientes/statushistory"
)

const defaultMaxAttempts = 3

// Retryable SQLSTATEs: serialization_failure, deadlock_detected, unique_violation.
var retryableCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"23505": true,
}

type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

var (
	_ folder.Repository        = (*Store)(nil)
	_ statushistory.Repository = (*Store)(nil)
	_ stage.Repository         = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, maxAttempts: defaultMaxAttempts}
}

// WithMaxAttempts bounds how often WithinTx retries a conflicting transaction.
func (s *Store) WithMaxAttempts(n int) *Store {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithinTx runs fn in a read-committed transaction, retrying the whole unit
// on serialization failures, deadlocks and sequence collisions. Once attempts
// run out, or on any other database failure, the error wraps db.ErrTxAborted.
// Errors fn returns that did not come from the database pass through as is.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	if isStoreFailure(err) {
		return fmt.Errorf("%w: %w", db.ErrTxAborted, err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit tx: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableCodes[pgErr.Code]
	}
	return pgconn.SafeToRetry(err)
}

func isStoreFailure(err error) bool {
	var (
		pgErr  *pgconn.PgError
		netErr net.Error
	)
	return errors.As(err, &pgErr) ||
		errors.As(err, &netErr) ||
		pgconn.SafeToRetry(err) ||
		pgconn.Timeout(err) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, pgx.ErrTxClosed)
}

// validID reports whether id can address a uuid column; anything else cannot
// name an existing row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const folderColumns = `id::text, name, subject, owner_id, status, current_phase, current_stage, created_at, updated_at`

func scanFolder(row pgx.Row) (folder.Folder, error) {
	var (
		f             folder.Folder
		status, phase string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Subject, &f.OwnerID, &status, &phase, &f.CurrentStage, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return folder.Folder{}, folder.ErrNotFound
		}
		return folder.Folder{}, err
	}
	f.Status = folder.Status(status)
	f.CurrentPhase = folder.Phase(phase)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return f, nil
}

func (s *Store) CreateFolder(ctx context.Context, f folder.Folder) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO folders (id, name, subject, owner_id, status, current_phase, current_stage, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, f.ID, f.Name, f.Subject, f.OwnerID, string(f.Status), string(f.CurrentPhase), f.CurrentStage, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert folder: %w", err)
	}
	return nil
}

func (s *Store) GetFolder(ctx context.Context, id string) (folder.Folder, error) {
	if !validID(id) {
		return folder.Folder{}, folder.ErrNotFound
	}
	f, err := scanFolder(s.q(ctx).QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
	if err != nil && !errors.Is(err, folder.ErrNotFound) {
		return folder.Folder{}, fmt.Errorf("pgstore: get folder: %w", err)
	}
	return f, err
}

func (s *Store) LockFolder(ctx context.Context, id string) (folder.Folder, error) {
	if !validID(id) {
		return folder.Folder{}, folder.ErrNotFound
	}
	f, err := scanFolder(s.q(ctx).QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, folder.ErrNotFound) {
		return folder.Folder{}, fmt.Errorf("pgstore: lock folder: %w", err)
	}
	return f, err
}

func (s *Store) ListFolders(ctx context.Context, ownerID string, limit, offset int) ([]folder.Folder, int, error) {
	var total int
	if err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM folders WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgstore: count folders: %w", err)
	}

	rows, err := s.q(ctx).Query(ctx, `
SELECT `+folderColumns+`
FROM folders
WHERE owner_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgstore: list folders: %w", err)
	}
	defer rows.Close()

	var out []folder.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("pgstore: scan folder: %w", err)
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	if !validID(id) {
		return folder.ErrNotFound
	}
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM folders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete folder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return folder.ErrNotFound
	}
	return nil
}

func (s *Store) SetFolderStatus(ctx context.Context, id string, status folder.Status, at time.Time) error {
	return s.updateFolder(ctx, `UPDATE folders SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
}

func (s *Store) SetFolderStage(ctx context.Context, id string, stageName *string, phase folder.Phase, at time.Time) error {
	return s.updateFolder(ctx, `UPDATE folders SET current_stage = $2, current_phase = $3, updated_at = $4 WHERE id = $1`,
		id, stageName, string(phase), at)
}

func (s *Store) updateFolder(ctx context.Context, query string, args ...any) error {
	tag, err := s.q(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("pgstore: update folder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return folder.ErrNotFound
	}
	return nil
}
