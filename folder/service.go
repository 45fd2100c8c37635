package folder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"expedientes/db"
)

// Repository is the persistence surface the folder service needs.
type Repository interface {
	db.TxRunner
	CreateFolder(ctx context.Context, f Folder) error
	GetFolder(ctx context.Context, id string) (Folder, error)
	// LockFolder reads the folder and holds it for the rest of the transaction.
	LockFolder(ctx context.Context, id string) (Folder, error)
	ListFolders(ctx context.Context, ownerID string, limit, offset int) ([]Folder, int, error)
	DeleteFolder(ctx context.Context, id string) error
	DeleteStatusRecords(ctx context.Context, folderID string) (int64, error)
	DeleteStageEvents(ctx context.Context, folderID string) (int64, error)
}

type Service struct {
	repo        Repository
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	Name    string
	Subject string
	OwnerID string
	Status  Status
}

type ListParams struct {
	OwnerID  string
	Page     int
	PageSize int
}

type ListResult struct {
	Items []Folder
	Total int
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

// Create registers a new folder. The initial status is not recorded in the
// status history; the first transition measures from CreatedAt instead.
func (s *Service) Create(ctx context.Context, params CreateParams) (Folder, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return Folder{}, fmt.Errorf("folder: name required")
	}
	if params.OwnerID == "" {
		return Folder{}, fmt.Errorf("folder: owner id required")
	}
	status := params.Status
	if status == "" {
		status = StatusNew
	}
	if !status.Valid() {
		return Folder{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now := db.Now(s.now)
	f := Folder{
		ID:        s.idGenerator(),
		Name:      name,
		Subject:   strings.TrimSpace(params.Subject),
		OwnerID:   params.OwnerID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateFolder(ctx, f); err != nil {
		return Folder{}, err
	}
	return f, nil
}

func (s *Service) Get(ctx context.Context, id string) (Folder, error) {
	if id == "" {
		return Folder{}, ErrNotFound
	}
	return s.repo.GetFolder(ctx, id)
}

func (s *Service) ListByOwner(ctx context.Context, params ListParams) (ListResult, error) {
	if params.Page <= 0 {
		params.Page = 1
	}
	if params.PageSize <= 0 || params.PageSize > 100 {
		params.PageSize = 20
	}

	items, total, err := s.repo.ListFolders(ctx, params.OwnerID, params.PageSize, (params.Page-1)*params.PageSize)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Delete removes the folder together with both of its event logs. The folder
// is locked first so that a concurrent transition cannot append to a log that
// was already cleared.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	return s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.LockFolder(ctx, id); err != nil {
			return err
		}
		if _, err := s.repo.DeleteStageEvents(ctx, id); err != nil {
			return err
		}
		if _, err := s.repo.DeleteStatusRecords(ctx, id); err != nil {
			return err
		}
		return s.repo.DeleteFolder(ctx, id)
	})
}
