package statushistory

import (
	"time"

	"expedientes/duration"
	"expedientes/folder"
)

// TopicStatusChanged is the outbox topic emitted on every recorded transition.
const TopicStatusChanged = "folder.status_changed"

// InitialLabel stands in for the previous status of a transition that has none.
const InitialLabel = "Inicial"

// Record is one immutable row of a folder's status history.
type Record struct {
	ID             string
	FolderID       string
	Seq            int64
	PreviousStatus *folder.Status
	NewStatus      folder.Status
	ChangedBy      string
	Notes          string
	// DurationMs is the time spent in PreviousStatus before this transition.
	DurationMs *int64
	CreatedAt  time.Time
}

// Transition is a Record rendered for the stats view.
type Transition struct {
	From      string             `json:"from"`
	To        folder.Status      `json:"to"`
	Date      time.Time          `json:"date"`
	Duration  duration.Breakdown `json:"duration"`
	ChangedBy string             `json:"changedBy"`
	Notes     string             `json:"notes,omitempty"`
}

type Stats struct {
	FolderID       string                               `json:"folderId"`
	CurrentStatus  folder.Status                        `json:"currentStatus,omitempty"`
	TotalDuration  duration.Breakdown                   `json:"totalDuration"`
	StatesDuration map[folder.Status]duration.Breakdown `json:"statesDuration"`
	Transitions    []Transition                         `json:"transitions"`
}

// RawAverage is what a store returns for one previous-status group.
type RawAverage struct {
	Status    folder.Status
	AverageMs float64
	Count     int64
}

type Average struct {
	AverageMs    float64 `json:"averageMs"`
	AverageHours float64 `json:"averageHours"`
	AverageDays  float64 `json:"averageDays"`
	Count        int64   `json:"count"`
}
