package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"expedientes/folder"
	"expedientes/stage"
)

const stageColumns = `id, folder_id, seq, stage_name, phase, event_type, stage_order, registered_by, notes, duration_ms, created_at`

func scanStageEvent(row rowScanner) (stage.Event, error) {
	var (
		ev               stage.Event
		phase, eventType string
		dur              sql.NullInt64
		createdAt        int64
	)
	if err := row.Scan(&ev.ID, &ev.FolderID, &ev.Seq, &ev.StageName, &phase, &eventType, &ev.StageOrder,
		&ev.RegisteredBy, &ev.Notes, &dur, &createdAt); err != nil {
		return stage.Event{}, err
	}
	ev.Phase = folder.Phase(phase)
	ev.Type = stage.EventType(eventType)
	ev.DurationMs = ptrMillis(dur)
	ev.CreatedAt = fromMillis(createdAt)
	return ev, nil
}

func (s *Store) latestStageEvent(ctx context.Context, query string, args ...any) (stage.Event, bool, error) {
	ev, err := scanStageEvent(s.q(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return stage.Event{}, false, nil
	}
	if err != nil {
		return stage.Event{}, false, fmt.Errorf("sqlitestore: latest stage event: %w", err)
	}
	return ev, true, nil
}

func (s *Store) LatestStageEvent(ctx context.Context, folderID string) (stage.Event, bool, error) {
	return s.latestStageEvent(ctx, `
		SELECT `+stageColumns+` FROM stage_events
		WHERE folder_id = ?
		ORDER BY seq DESC
		LIMIT 1`, folderID)
}

func (s *Store) LatestStageStart(ctx context.Context, folderID, stageName string) (stage.Event, bool, error) {
	return s.latestStageEvent(ctx, `
		SELECT `+stageColumns+` FROM stage_events
		WHERE folder_id = ? AND stage_name = ? AND event_type = 'start'
		ORDER BY seq DESC
		LIMIT 1`, folderID, stageName)
}

func (s *Store) InsertStageEvent(ctx context.Context, ev stage.Event) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO stage_events (`+stageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.FolderID, ev.Seq, ev.StageName, string(ev.Phase), string(ev.Type), ev.StageOrder,
		ev.RegisteredBy, ev.Notes, nullMillis(ev.DurationMs), toMillis(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert stage event: %w", err)
	}
	return nil
}

func (s *Store) ListStageEvents(ctx context.Context, folderID string) ([]stage.Event, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+stageColumns+` FROM stage_events
		WHERE folder_id = ?
		ORDER BY seq ASC`, folderID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list stage events: %w", err)
	}
	defer rows.Close()

	out := []stage.Event{}
	for rows.Next() {
		ev, err := scanStageEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStageEvents(ctx context.Context, folderID string) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM stage_events WHERE folder_id = ?`, folderID)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete stage events: %w", err)
	}
	return res.RowsAffected()
}
