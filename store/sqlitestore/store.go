// Package sqlitestore persists folders and their logs in an embedded SQLite
// database through the pure-Go modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"

	"expedientes/db"
	"expedientes/folder"
	"expedientes/stage"
	"expedientes/statushistory"
)

// Store implements every repository contract on one *sql.DB. Transactions are
// serialized by limiting the pool to a single connection.
type Store struct {
	db *sql.DB
}

var (
	_ folder.Repository        = (*Store)(nil)
	_ statushistory.Repository = (*Store)(nil)
	_ stage.Repository         = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and initializes the
// schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	s, err := New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and initializes the schema.
func New(conn *sql.DB) (*Store, error) {
	conn.SetMaxOpenConns(1)
	s := &Store{db: conn}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_phase TEXT NOT NULL DEFAULT '',
			current_stage TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS folders_owner_idx ON folders (owner_id, created_at);

		CREATE TABLE IF NOT EXISTS status_history (
			id TEXT PRIMARY KEY,
			folder_id TEXT NOT NULL REFERENCES folders(id),
			seq INTEGER NOT NULL,
			previous_status TEXT,
			new_status TEXT NOT NULL,
			changed_by TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER,
			created_at INTEGER NOT NULL,
			UNIQUE (folder_id, seq)
		);
		CREATE INDEX IF NOT EXISTS status_history_prev_idx ON status_history (previous_status);

		CREATE TABLE IF NOT EXISTS stage_events (
			id TEXT PRIMARY KEY,
			folder_id TEXT NOT NULL REFERENCES folders(id),
			seq INTEGER NOT NULL,
			stage_name TEXT NOT NULL,
			phase TEXT NOT NULL,
			event_type TEXT NOT NULL CHECK (event_type IN ('start', 'end')),
			stage_order INTEGER NOT NULL,
			registered_by TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER,
			created_at INTEGER NOT NULL,
			UNIQUE (folder_id, seq)
		);
		CREATE INDEX IF NOT EXISTS stage_events_stage_idx ON stage_events (folder_id, stage_name, event_type, seq);

		CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			published_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (published_at, created_at);`,
	)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// q returns the transaction carried by ctx, or the database itself.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithinTx runs fn in a transaction. A context that already carries one is
// reused, so nested calls join the outer unit of work. Driver failures,
// including those raised inside fn, are wrapped with db.ErrTxAborted.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", db.ErrTxAborted, err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if isStoreFailure(err) {
			return fmt.Errorf("%w: %w", db.ErrTxAborted, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", db.ErrTxAborted, err)
	}
	return nil
}

// isStoreFailure separates driver errors from the domain errors fn returns.
func isStoreFailure(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone)
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrMillis(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

const folderColumns = `id, name, subject, owner_id, status, current_phase, current_stage, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolder(row rowScanner) (folder.Folder, error) {
	var (
		f                    folder.Folder
		status, phase        string
		currentStage         sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Subject, &f.OwnerID, &status, &phase, &currentStage, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return folder.Folder{}, folder.ErrNotFound
		}
		return folder.Folder{}, err
	}
	f.Status = folder.Status(status)
	f.CurrentPhase = folder.Phase(phase)
	if currentStage.Valid {
		name := currentStage.String
		f.CurrentStage = &name
	}
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	return f, nil
}

func (s *Store) CreateFolder(ctx context.Context, f folder.Folder) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO folders (`+folderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Subject, f.OwnerID, string(f.Status), string(f.CurrentPhase),
		f.CurrentStage, toMillis(f.CreatedAt), toMillis(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert folder: %w", err)
	}
	return nil
}

func (s *Store) GetFolder(ctx context.Context, id string) (folder.Folder, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id)
	return scanFolder(row)
}

// LockFolder is GetFolder: the single connection already serializes writers.
func (s *Store) LockFolder(ctx context.Context, id string) (folder.Folder, error) {
	return s.GetFolder(ctx, id)
}

func (s *Store) ListFolders(ctx context.Context, ownerID string, limit, offset int) ([]folder.Folder, int, error) {
	var total int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM folders WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: count folders: %w", err)
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE owner_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: list folders: %w", err)
	}
	defer rows.Close()

	var out []folder.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete folder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return folder.ErrNotFound
	}
	return nil
}

func (s *Store) SetFolderStatus(ctx context.Context, id string, status folder.Status, at time.Time) error {
	return s.updateFolder(ctx, `UPDATE folders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(at), id)
}

func (s *Store) SetFolderStage(ctx context.Context, id string, stageName *string, phase folder.Phase, at time.Time) error {
	return s.updateFolder(ctx, `UPDATE folders SET current_stage = ?, current_phase = ?, updated_at = ? WHERE id = ?`,
		stageName, string(phase), toMillis(at), id)
}

func (s *Store) updateFolder(ctx context.Context, query string, args ...any) error {
	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlitestore: update folder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return folder.ErrNotFound
	}
	return nil
}
