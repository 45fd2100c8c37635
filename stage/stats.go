package stage

import (
	"context"
	"sort"
	"time"

	"expedientes/db"
	"expedientes/duration"
	"expedientes/folder"
)

// ProcessStats summarizes every catalog stage for the folder, plus any stage
// that only survives in the log. A stage whose latest event is an unmatched
// start accrues the interval up to now.
func (s *Service) ProcessStats(ctx context.Context, folderID string) (ProcessStats, error) {
	if folderID == "" {
		return ProcessStats{}, folder.ErrNotFound
	}
	f, err := s.repo.GetFolder(ctx, folderID)
	if err != nil {
		return ProcessStats{}, err
	}
	events, err := s.repo.ListStageEvents(ctx, folderID)
	if err != nil {
		return ProcessStats{}, err
	}
	return s.buildStats(f, events, db.Now(s.now)), nil
}

type stageAcc struct {
	summary  StageSummary
	openFrom *time.Time
}

func (s *Service) buildStats(f folder.Folder, events []Event, now time.Time) ProcessStats {
	active := ""
	if f.HasActiveStage() {
		active = *f.CurrentStage
	}

	byName := make(map[string]*stageAcc, s.catalog.Len())
	for _, def := range s.catalog.Definitions() {
		byName[def.Name] = &stageAcc{summary: newSummary(def.Name, def.Phase, def.Order, active)}
	}

	for _, ev := range events {
		acc, ok := byName[ev.StageName]
		if !ok {
			acc = &stageAcc{summary: newSummary(ev.StageName, ev.Phase, ev.StageOrder, active)}
			byName[ev.StageName] = acc
		}
		sum := &acc.summary
		sum.Events = append(sum.Events, EventView{
			Type:         ev.Type,
			Date:         ev.CreatedAt,
			Notes:        ev.Notes,
			RegisteredBy: ev.RegisteredBy,
		})

		at := ev.CreatedAt
		switch ev.Type {
		case EventStart:
			sum.HasStarted = true
			sum.StartDate = &at
			acc.openFrom = &at
		case EventEnd:
			sum.HasEnded = true
			sum.EndDate = &at
			if ev.DurationMs != nil {
				sum.DurationMs += *ev.DurationMs
			}
			acc.openFrom = nil
		}
	}

	stats := ProcessStats{
		FolderID:     f.ID,
		CurrentStage: f.CurrentStage,
		CurrentPhase: f.CurrentPhase,
		Stages:       make([]StageSummary, 0, len(byName)),
	}
	var prejudicial, judicial int64
	for _, acc := range byName {
		if acc.openFrom != nil {
			acc.summary.DurationMs += duration.Between(*acc.openFrom, now)
		}
		switch acc.summary.Phase {
		case folder.PhasePrejudicial:
			prejudicial += acc.summary.DurationMs
		case folder.PhaseJudicial:
			judicial += acc.summary.DurationMs
		}
		stats.Stages = append(stats.Stages, acc.summary)
	}
	sortSummaries(stats.Stages)

	stats.Totals = Totals{
		Prejudicial: duration.FromMillis(prejudicial),
		Judicial:    duration.FromMillis(judicial),
		Total:       duration.FromMillis(prejudicial + judicial),
	}
	return stats
}

func newSummary(name string, phase folder.Phase, order int, active string) StageSummary {
	return StageSummary{
		Name:     name,
		Phase:    phase,
		Order:    order,
		IsActive: name == active,
		Events:   []EventView{},
	}
}

func sortSummaries(s []StageSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Order != s[j].Order {
			return s[i].Order < s[j].Order
		}
		return s[i].Name < s[j].Name
	})
}
