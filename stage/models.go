package stage

import (
	"errors"
	"time"

	"expedientes/duration"
	"expedientes/folder"
)

var (
	ErrInvalidStage = errors.New("stage: unknown stage")
	// ErrNoActiveStage is returned when ending a stage on a folder that has none open.
	ErrNoActiveStage = errors.New("stage: no active stage")
)

const (
	TopicStageStarted = "stage.started"
	TopicStageEnded   = "stage.ended"
)

type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// Event is one immutable row of a folder's stage log.
type Event struct {
	ID           string
	FolderID     string
	Seq          int64
	StageName    string
	Phase        folder.Phase
	Type         EventType
	StageOrder   int
	RegisteredBy string
	Notes        string
	// DurationMs is set on end events only, when a matching start exists.
	DurationMs *int64
	CreatedAt  time.Time
}

// EventView is an event as listed inside a stage summary.
type EventView struct {
	Type         EventType `json:"type"`
	Date         time.Time `json:"date"`
	Notes        string    `json:"notes,omitempty"`
	RegisteredBy string    `json:"registeredBy"`
}

type StageSummary struct {
	Name       string       `json:"name"`
	Phase      folder.Phase `json:"phase"`
	Order      int          `json:"order"`
	HasStarted bool         `json:"hasStarted"`
	HasEnded   bool         `json:"hasEnded"`
	StartDate  *time.Time   `json:"startDate"`
	EndDate    *time.Time   `json:"endDate"`
	IsActive   bool         `json:"isActive"`
	Events     []EventView  `json:"events"`
	DurationMs int64        `json:"duration"`
}

type Totals struct {
	Prejudicial duration.Breakdown `json:"prejudicial"`
	Judicial    duration.Breakdown `json:"judicial"`
	Total       duration.Breakdown `json:"total"`
}

type ProcessStats struct {
	FolderID     string         `json:"folderId"`
	CurrentStage *string        `json:"currentStage"`
	CurrentPhase folder.Phase   `json:"currentPhase"`
	Stages       []StageSummary `json:"stages"`
	Totals       Totals         `json:"totals"`
}

// Stage returns the summary for name, if present.
func (p ProcessStats) Stage(name string) (StageSummary, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSummary{}, false
}
