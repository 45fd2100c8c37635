package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"expedientes/folder"
	"expedientes/stage"
	"expedientes/statushistory"
)

const statusColumns = `id::text, folder_id::text, seq, previous_status, new_status, changed_by, notes, duration_ms, created_at`

func scanStatusRecord(row pgx.Row) (statushistory.Record, error) {
	var (
		rec  statushistory.Record
		prev *string
		next string
	)
	if err := row.Scan(&rec.ID, &rec.FolderID, &rec.Seq, &prev, &next, &rec.ChangedBy, &rec.Notes, &rec.DurationMs, &rec.CreatedAt); err != nil {
		return statushistory.Record{}, err
	}
	if prev != nil {
		p := folder.Status(*prev)
		rec.PreviousStatus = &p
	}
	rec.NewStatus = folder.Status(next)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *Store) LatestStatusRecord(ctx context.Context, folderID string) (statushistory.Record, bool, error) {
	if !validID(folderID) {
		return statushistory.Record{}, false, nil
	}
	rec, err := scanStatusRecord(s.q(ctx).QueryRow(ctx, `
SELECT `+statusColumns+`
FROM status_history
WHERE folder_id = $1
ORDER BY seq DESC
LIMIT 1
`, folderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return statushistory.Record{}, false, nil
	}
	if err != nil {
		return statushistory.Record{}, false, fmt.Errorf("pgstore: latest status record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) InsertStatusRecord(ctx context.Context, rec statushistory.Record) error {
	var prev *string
	if rec.PreviousStatus != nil {
		p := string(*rec.PreviousStatus)
		prev = &p
	}
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO status_history (id, folder_id, seq, previous_status, new_status, changed_by, notes, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, rec.ID, rec.FolderID, rec.Seq, prev, string(rec.NewStatus), rec.ChangedBy, rec.Notes, rec.DurationMs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert status record: %w", err)
	}
	return nil
}

func (s *Store) ListStatusRecords(ctx context.Context, folderID string, newestFirst bool) ([]statushistory.Record, error) {
	out := []statushistory.Record{}
	if !validID(folderID) {
		return out, nil
	}
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	rows, err := s.q(ctx).Query(ctx, `
SELECT `+statusColumns+`
FROM status_history
WHERE folder_id = $1
ORDER BY seq `+order, folderID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list status records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanStatusRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan status record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) StatusDurationAverages(ctx context.Context) ([]statushistory.RawAverage, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT previous_status, AVG(duration_ms)::float8, COUNT(*)
FROM status_history
WHERE duration_ms IS NOT NULL AND previous_status IS NOT NULL
GROUP BY previous_status
ORDER BY previous_status
`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: status averages: %w", err)
	}
	defer rows.Close()

	var out []statushistory.RawAverage
	for rows.Next() {
		var (
			avg    statushistory.RawAverage
			status string
		)
		if err := rows.Scan(&status, &avg.AverageMs, &avg.Count); err != nil {
			return nil, fmt.Errorf("pgstore: scan status average: %w", err)
		}
		avg.Status = folder.Status(status)
		out = append(out, avg)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStatusRecords(ctx context.Context, folderID string) (int64, error) {
	if !validID(folderID) {
		return 0, nil
	}
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM status_history WHERE folder_id = $1`, folderID)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete status records: %w", err)
	}
	return tag.RowsAffected(), nil
}

const stageColumns = `id::text, folder_id::text, seq, stage_name, phase, event_type, stage_order, registered_by, notes, duration_ms, created_at`

func scanStageEvent(row pgx.Row) (stage.Event, error) {
	var (
		ev               stage.Event
		phase, eventType string
	)
	if err := row.Scan(&ev.ID, &ev.FolderID, &ev.Seq, &ev.StageName, &phase, &eventType, &ev.StageOrder,
		&ev.RegisteredBy, &ev.Notes, &ev.DurationMs, &ev.CreatedAt); err != nil {
		return stage.Event{}, err
	}
	ev.Phase = folder.Phase(phase)
	ev.Type = stage.EventType(eventType)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func (s *Store) latestStageEvent(ctx context.Context, query string, args ...any) (stage.Event, bool, error) {
	ev, err := scanStageEvent(s.q(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return stage.Event{}, false, nil
	}
	if err != nil {
		return stage.Event{}, false, fmt.Errorf("pgstore: latest stage event: %w", err)
	}
	return ev, true, nil
}

func (s *Store) LatestStageEvent(ctx context.Context, folderID string) (stage.Event, bool, error) {
	if !validID(folderID) {
		return stage.Event{}, false, nil
	}
	return s.latestStageEvent(ctx, `
SELECT `+stageColumns+`
FROM stage_events
WHERE folder_id = $1
ORDER BY seq DESC
LIMIT 1
`, folderID)
}

func (s *Store) LatestStageStart(ctx context.Context, folderID, stageName string) (stage.Event, bool, error) {
	if !validID(folderID) {
		return stage.Event{}, false, nil
	}
	return s.latestStageEvent(ctx, `
SELECT `+stageColumns+`
FROM stage_events
WHERE folder_id = $1 AND stage_name = $2 AND event_type = 'start'
ORDER BY seq DESC
LIMIT 1
`, folderID, stageName)
}

func (s *Store) InsertStageEvent(ctx context.Context, ev stage.Event) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO stage_events (id, folder_id, seq, stage_name, phase, event_type, stage_order, registered_by, notes, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, ev.ID, ev.FolderID, ev.Seq, ev.StageName, string(ev.Phase), string(ev.Type), ev.StageOrder,
		ev.RegisteredBy, ev.Notes, ev.DurationMs, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert stage event: %w", err)
	}
	return nil
}

func (s *Store) ListStageEvents(ctx context.Context, folderID string) ([]stage.Event, error) {
	out := []stage.Event{}
	if !validID(folderID) {
		return out, nil
	}
	rows, err := s.q(ctx).Query(ctx, `
SELECT `+stageColumns+`
FROM stage_events
WHERE folder_id = $1
ORDER BY seq ASC
`, folderID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list stage events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanStageEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan stage event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStageEvents(ctx context.Context, folderID string) (int64, error) {
	if !validID(folderID) {
		return 0, nil
	}
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM stage_events WHERE folder_id = $1`, folderID)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete stage events: %w", err)
	}
	return tag.RowsAffected(), nil
}
