// Package stage tracks a folder's progress through the procedural stage
// catalog. At most one stage is open per folder at any time.
package stage

import (
	"context"
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
	LockFolder(ctx context.Context, id string) (folder.Folder, error)
	GetFolder(ctx context.Context, id string) (folder.Folder, error)
	SetFolderStage(ctx context.Context, id string, stageName *string, phase folder.Phase, at time.Time) error
	LatestStageEvent(ctx context.Context, folderID string) (Event, bool, error)
	LatestStageStart(ctx context.Context, folderID, stageName string) (Event, bool, error)
	InsertStageEvent(ctx context.Context, ev Event) error
	// ListStageEvents returns the folder's log in insertion order.
	ListStageEvents(ctx context.Context, folderID string) ([]Event, error)
}

type Service struct {
	repo        Repository
	catalog     *Catalog
	idGenerator func() string
	now         func() time.Time
}

func NewService(repo Repository, catalog *Catalog) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Service{
		repo:        repo,
		catalog:     catalog,
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

func (s *Service) Catalog() *Catalog { return s.catalog }

// Start opens stageName on the folder. A stage that is already open, including
// stageName itself, is closed first in the same transaction.
func (s *Service) Start(ctx context.Context, folderID, stageName, actorID, notes string) (folder.Folder, error) {
	def, ok := s.catalog.Lookup(stageName)
	if !ok {
		return folder.Folder{}, fmt.Errorf("%w: %q", ErrInvalidStage, stageName)
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
		seq, err := s.nextSeq(ctx, folderID)
		if err != nil {
			return err
		}
		now := db.Now(s.now)

		if f.HasActiveStage() {
			closing := fmt.Sprintf("auto-closed on starting %s", stageName)
			if err := s.closeStage(ctx, f, seq, actorID, closing, now); err != nil {
				return err
			}
			seq++
		}

		name := def.Name
		if err := s.repo.SetFolderStage(ctx, folderID, &name, def.Phase, now); err != nil {
			return err
		}

		ev := Event{
			ID:           s.idGenerator(),
			FolderID:     folderID,
			Seq:          seq,
			StageName:    def.Name,
			Phase:        def.Phase,
			Type:         EventStart,
			StageOrder:   def.Order,
			RegisteredBy: actorID,
			Notes:        notes,
			CreatedAt:    now,
		}
		if err := s.repo.InsertStageEvent(ctx, ev); err != nil {
			return err
		}
		if err := s.repo.Enqueue(ctx, TopicStageStarted, eventPayload(ev)); err != nil {
			return err
		}

		f.CurrentStage = &name
		f.CurrentPhase = def.Phase
		f.UpdatedAt = now
		updated = f
		return nil
	})
	if err != nil {
		return folder.Folder{}, err
	}
	return updated, nil
}

// EndCurrent closes the folder's open stage. The phase is left as is.
func (s *Service) EndCurrent(ctx context.Context, folderID, actorID, notes string) (folder.Folder, error) {
	if folderID == "" {
		return folder.Folder{}, folder.ErrNotFound
	}

	var updated folder.Folder
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		f, err := s.repo.LockFolder(ctx, folderID)
		if err != nil {
			return err
		}
		if !f.HasActiveStage() {
			return ErrNoActiveStage
		}
		seq, err := s.nextSeq(ctx, folderID)
		if err != nil {
			return err
		}
		now := db.Now(s.now)

		if err := s.repo.SetFolderStage(ctx, folderID, nil, f.CurrentPhase, now); err != nil {
			return err
		}
		if err := s.closeStage(ctx, f, seq, actorID, notes, now); err != nil {
			return err
		}

		f.CurrentStage = nil
		f.UpdatedAt = now
		updated = f
		return nil
	})
	if err != nil {
		return folder.Folder{}, err
	}
	return updated, nil
}

// Events returns the folder's stage log, oldest first.
func (s *Service) Events(ctx context.Context, folderID string) ([]Event, error) {
	return s.repo.ListStageEvents(ctx, folderID)
}

func (s *Service) nextSeq(ctx context.Context, folderID string) (int64, error) {
	latest, ok, err := s.repo.LatestStageEvent(ctx, folderID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return latest.Seq + 1, nil
}

// closeStage appends the end event for f's open stage. Its duration runs from
// the latest start of that stage; without one the duration stays unset.
func (s *Service) closeStage(ctx context.Context, f folder.Folder, seq int64, actorID, notes string, now time.Time) error {
	name := *f.CurrentStage
	start, found, err := s.repo.LatestStageStart(ctx, f.ID, name)
	if err != nil {
		return err
	}

	phase, order := f.CurrentPhase, 0
	if def, ok := s.catalog.Lookup(name); ok {
		phase, order = def.Phase, def.Order
	} else if found {
		phase, order = start.Phase, start.StageOrder
	}

	ev := Event{
		ID:           s.idGenerator(),
		FolderID:     f.ID,
		Seq:          seq,
		StageName:    name,
		Phase:        phase,
		Type:         EventEnd,
		StageOrder:   order,
		RegisteredBy: actorID,
		Notes:        notes,
		CreatedAt:    now,
	}
	if found {
		ms := duration.Between(start.CreatedAt, now)
		ev.DurationMs = &ms
	}
	if err := s.repo.InsertStageEvent(ctx, ev); err != nil {
		return err
	}
	return s.repo.Enqueue(ctx, TopicStageEnded, eventPayload(ev))
}

func eventPayload(ev Event) map[string]any {
	payload := map[string]any{
		"folder_id":     ev.FolderID,
		"event_id":      ev.ID,
		"stage_name":    ev.StageName,
		"phase":         string(ev.Phase),
		"stage_order":   ev.StageOrder,
		"registered_by": ev.RegisteredBy,
	}
	if ev.DurationMs != nil {
		payload["duration_ms"] = *ev.DurationMs
	}
	return payload
}
