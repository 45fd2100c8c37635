// Package statushistory records folder status transitions and derives the
// time spent in each status from the resulting log.
package statushistory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"expedientes/db"
	"expedientes/duration"
	"expedientes/folder"
	"expedientes/outbox"
)

// Repository defines the data access required by the service. Calls made with
// the context handed to WithinTx participate in that transaction.
type Repository interface {
	db.TxRunner
	outbox.Writer
	// LockFolder loads the folder and holds it against concurrent
	// transitions until the transaction ends.
	LockFolder(ctx context.Context, id string) (folder.Folder, error)
	GetFolder(ctx context.Context, id string) (folder.Folder, error)
	SetFolderStatus(ctx context.Context, id string, status folder.Status, at time.Time) error
	LatestStatusRecord(ctx context.Context, folderID string) (Record, bool, error)
	InsertStatusRecord(ctx context.Context, rec Record) error
	ListStatusRecords(ctx context.Context, folderID string, newestFirst bool) ([]Record, error)
	StatusDurationAverages(ctx context.Context) ([]RawAverage, error)
}

type Service struct {
	repo        Repository
	idGenerator func() string
	now         func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// UpdateFolderStatus moves the folder to next and appends the transition to
// its history. Setting the status the folder already has is a no-op.
func (s *Service) UpdateFolderStatus(ctx context.Context, folderID string, next folder.Status, actorID, notes string) (folder.Folder, error) {
	if !next.Valid() {
		return folder.Folder{}, fmt.Errorf("%w: %q", folder.ErrInvalidStatus, next)
	}
	if folderID == "" {
		return folder.Folder{}, folder.ErrNotFound
	}

	var updated folder.Folder
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		f, err := s.repo.LockFolder(ctx, folderID)
		if err != nil {
			return err
		}
		if f.Status == next {
			updated = f
			return nil
		}

		now := db.Now(s.now)
		latest, ok, err := s.repo.LatestStatusRecord(ctx, folderID)
		if err != nil {
			return err
		}
		since := f.CreatedAt
		seq := int64(1)
		if ok {
			since = latest.CreatedAt
			seq = latest.Seq + 1
		}
		elapsed := duration.Between(since, now)

		prev := f.Status
		rec := Record{
			ID:             s.idGenerator(),
			FolderID:       folderID,
			Seq:            seq,
			PreviousStatus: &prev,
			NewStatus:      next,
			ChangedBy:      actorID,
			Notes:          notes,
			DurationMs:     &elapsed,
			CreatedAt:      now,
		}
		if err := s.repo.InsertStatusRecord(ctx, rec); err != nil {
			return err
		}
		if err := s.repo.SetFolderStatus(ctx, folderID, next, now); err != nil {
			return err
		}
		if err := s.repo.Enqueue(ctx, TopicStatusChanged, map[string]any{
			"folder_id":       folderID,
			"record_id":       rec.ID,
			"previous_status": string(prev),
			"new_status":      string(next),
			"changed_by":      actorID,
			"duration_ms":     elapsed,
		}); err != nil {
			return err
		}

		f.Status = next
		f.UpdatedAt = now
		updated = f
		return nil
	})
	if err != nil {
		return folder.Folder{}, err
	}
	return updated, nil
}

// History returns the folder's transitions, most recent first.
func (s *Service) History(ctx context.Context, folderID string) ([]Record, error) {
	return s.repo.ListStatusRecords(ctx, folderID, true)
}

// Stats sums the time spent in each status. The folder's current status also
// accrues the interval since the latest transition.
func (s *Service) Stats(ctx context.Context, folderID string) (Stats, error) {
	stats := Stats{
		FolderID:       folderID,
		StatesDuration: map[folder.Status]duration.Breakdown{},
		Transitions:    []Transition{},
	}

	records, err := s.repo.ListStatusRecords(ctx, folderID, false)
	if err != nil {
		return Stats{}, err
	}
	if len(records) == 0 {
		return stats, nil
	}

	totals := map[folder.Status]int64{}
	for _, rec := range records {
		var ms int64
		if rec.DurationMs != nil {
			ms = *rec.DurationMs
		}
		from := InitialLabel
		if rec.PreviousStatus != nil {
			from = string(*rec.PreviousStatus)
			totals[*rec.PreviousStatus] += ms
		}
		stats.Transitions = append(stats.Transitions, Transition{
			From:      from,
			To:        rec.NewStatus,
			Date:      rec.CreatedAt,
			Duration:  duration.FromMillis(ms),
			ChangedBy: rec.ChangedBy,
			Notes:     rec.Notes,
		})
	}

	f, err := s.repo.GetFolder(ctx, folderID)
	switch {
	case err == nil:
		latest := records[len(records)-1]
		stats.CurrentStatus = f.Status
		totals[f.Status] += duration.Between(latest.CreatedAt, db.Now(s.now))
	case !errors.Is(err, folder.ErrNotFound):
		return Stats{}, err
	}

	var total int64
	for status, ms := range totals {
		stats.StatesDuration[status] = duration.FromMillis(ms)
		total += ms
	}
	stats.TotalDuration = duration.FromMillis(total)
	return stats, nil
}

// AverageDurations reports, across every folder, the mean time spent in each
// status before leaving it.
func (s *Service) AverageDurations(ctx context.Context) (map[folder.Status]Average, error) {
	rows, err := s.repo.StatusDurationAverages(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[folder.Status]Average, len(rows))
	for _, row := range rows {
		out[row.Status] = Average{
			AverageMs:    row.AverageMs,
			AverageHours: duration.HoursOf(row.AverageMs),
			AverageDays:  duration.DaysOf(row.AverageMs),
			Count:        row.Count,
		}
	}
	return out, nil
}
