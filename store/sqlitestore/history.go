package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"expedientes/folder"
	"expedientes/statushistory"
)

const statusColumns = `id, folder_id, seq, previous_status, new_status, changed_by, notes, duration_ms, created_at`

func scanStatusRecord(row rowScanner) (statushistory.Record, error) {
	var (
		rec       statushistory.Record
		prev      sql.NullString
		next      string
		dur       sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&rec.ID, &rec.FolderID, &rec.Seq, &prev, &next, &rec.ChangedBy, &rec.Notes, &dur, &createdAt); err != nil {
		return statushistory.Record{}, err
	}
	if prev.Valid {
		p := folder.Status(prev.String)
		rec.PreviousStatus = &p
	}
	rec.NewStatus = folder.Status(next)
	rec.DurationMs = ptrMillis(dur)
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

func (s *Store) LatestStatusRecord(ctx context.Context, folderID string) (statushistory.Record, bool, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT `+statusColumns+` FROM status_history
		WHERE folder_id = ?
		ORDER BY seq DESC
		LIMIT 1`, folderID)
	rec, err := scanStatusRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return statushistory.Record{}, false, nil
	}
	if err != nil {
		return statushistory.Record{}, false, fmt.Errorf("sqlitestore: latest status record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) InsertStatusRecord(ctx context.Context, rec statushistory.Record) error {
	var prev sql.NullString
	if rec.PreviousStatus != nil {
		prev = sql.NullString{String: string(*rec.PreviousStatus), Valid: true}
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO status_history (`+statusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FolderID, rec.Seq, prev, string(rec.NewStatus), rec.ChangedBy, rec.Notes,
		nullMillis(rec.DurationMs), toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert status record: %w", err)
	}
	return nil
}

func (s *Store) ListStatusRecords(ctx context.Context, folderID string, newestFirst bool) ([]statushistory.Record, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+statusColumns+` FROM status_history
		WHERE folder_id = ?
		ORDER BY seq `+order, folderID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list status records: %w", err)
	}
	defer rows.Close()

	out := []statushistory.Record{}
	for rows.Next() {
		rec, err := scanStatusRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) StatusDurationAverages(ctx context.Context) ([]statushistory.RawAverage, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT previous_status, AVG(duration_ms), COUNT(*)
		FROM status_history
		WHERE duration_ms IS NOT NULL AND previous_status IS NOT NULL
		GROUP BY previous_status
		ORDER BY previous_status`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: status averages: %w", err)
	}
	defer rows.Close()

	var out []statushistory.RawAverage
	for rows.Next() {
		var (
			avg    statushistory.RawAverage
			status string
		)
		if err := rows.Scan(&status, &avg.AverageMs, &avg.Count); err != nil {
			return nil, err
		}
		avg.Status = folder.Status(status)
		out = append(out, avg)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStatusRecords(ctx context.Context, folderID string) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM status_history WHERE folder_id = ?`, folderID)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete status records: %w", err)
	}
	return res.RowsAffected()
}
