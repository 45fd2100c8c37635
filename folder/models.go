package folder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no folder exists for the provided identifier.
	ErrNotFound = errors.New("folder: not found")
	// ErrInvalidStatus signals a status outside the four known values.
	ErrInvalidStatus = errors.New("folder: invalid status")
)

// Status is the coarse lifecycle state of a folder ("expediente").
type Status string

const (
	StatusNew        Status = "Nueva"
	StatusInProgress Status = "En Proceso"
	StatusClosed     Status = "Cerrada"
	StatusPending    Status = "Pendiente"
)

// Statuses lists every valid status in display order.
func Statuses() []Status {
	return []Status{StatusNew, StatusInProgress, StatusClosed, StatusPending}
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusClosed, StatusPending:
		return true
	default:
		return false
	}
}

// ParseStatus validates raw input coming from the HTTP layer.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Phase is the litigation phase a stage belongs to.
type Phase string

const (
	PhaseNone        Phase = ""
	PhasePrejudicial Phase = "prejudicial"
	PhaseJudicial    Phase = "judicial"
)

func (p Phase) Valid() bool {
	return p == PhasePrejudicial || p == PhaseJudicial
}

// Folder mirrors the folders table. Status, CurrentPhase and CurrentStage are
// a projection of the status history and stage event logs; only the trackers
// write them.
type Folder struct {
	ID           string
	Name         string
	Subject      string
	OwnerID      string
	Status       Status
	CurrentPhase Phase
	CurrentStage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasActiveStage reports whether a stage is currently open.
func (f Folder) HasActiveStage() bool {
	return f.CurrentStage != nil && *f.CurrentStage != ""
}
