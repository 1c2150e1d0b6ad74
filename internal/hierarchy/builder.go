// Package hierarchy expands a deviation into its parent row and the chained
// subtask rows of a template, and tracks the creation of that hierarchy.
package hierarchy

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"deviationsync/internal/calendar"
	"deviationsync/internal/config"
	"deviationsync/internal/differ"
	"deviationsync/internal/domain"
	"deviationsync/internal/history"
)

type Builder struct {
	Config *config.Config
}

// Build returns the creation payload for record: one parent row followed by
// one row per subtask of template, each subtask opening one business day
// after its predecessor closes.
func (b Builder) Build(record domain.ParentRecord, hist []domain.StatusHistoryEntry, template domain.SubtaskTemplate, today time.Time) (domain.ParentCreation, error) {
	if len(template.Subtasks) == 0 {
		return domain.ParentCreation{}, fmt.Errorf("template version %d has no subtasks", template.Version)
	}
	today = calendar.Day(today)

	parent := differ.ParentWant(record, b.Config)
	parent[domain.FieldTaskName] = domain.Text(strconv.FormatInt(record.ID, 10))
	parent[domain.FieldDuration] = domain.Text(differ.Normalize(domain.KindDuration, b.Config.Sync.ParentDuration))
	parent[domain.FieldStarted] = domain.Checkbox(true)
	parent[domain.FieldStartedDate] = domain.Text(domain.FormatDate(today))
	parent[domain.FieldBornOnDate] = domain.Text(domain.FormatDate(record.Dates.Opened))

	creation := domain.ParentCreation{
		Record: record,
		Parent: domain.NewRow{Cells: parent},
	}

	open := calendar.Day(record.Dates.Opened)
	if open.IsZero() {
		open = today
	}
	for i, def := range template.Subtasks {
		if i > 0 {
			next, err := calendar.AddBusinessDays(creation.Subtasks[i-1].CloseDate, 1)
			if err != nil {
				return domain.ParentCreation{}, err
			}
			open = next
		}
		duration := def.DurationDays
		if duration < 1 {
			duration = 1
		}
		closeDate, err := calendar.AddBusinessDays(open, duration-1)
		if err != nil {
			return domain.ParentCreation{}, err
		}

		cells := differ.SubtaskWant(b.Schedule(record, hist, def), record.Responsible)
		cells[domain.FieldTaskName] = domain.Text(def.Name)
		cells[domain.FieldDuration] = domain.Text(strconv.Itoa(duration) + "d")
		cells[domain.FieldBornOnDate] = domain.Text(domain.FormatDate(open))
		cells[domain.FieldTargetFinish] = domain.Text(domain.FormatDate(closeDate))

		sub := domain.SubtaskCreation{
			Name:             def.Name,
			Cells:            cells,
			OpenDate:         open,
			CloseDate:        closeDate,
			PredecessorIndex: i - 1,
		}
		if i > 0 {
			sub.PredecessorType = b.Config.Sync.PredecessorType
		}
		creation.Subtasks = append(creation.Subtasks, sub)
	}
	return creation, nil
}

// Schedule derives the completion state of one subtask from the record status
// and its status history.
func (b Builder) Schedule(record domain.ParentRecord, hist []domain.StatusHistoryEntry, def domain.SubtaskDef) domain.Schedule {
	if b.Config.IsClosureMarker(def.Name) {
		closed := calendar.Day(record.Dates.Closed)
		if !b.Config.IsTerminal(record.Status) || closed.IsZero() {
			return domain.Schedule{Set: true}
		}
		return domain.Schedule{Set: true, Start: closed, End: closed, Percent: "100%", Started: true, Finished: true}
	}
	if !def.CompletedOn(record.Status) {
		return domain.Schedule{}
	}
	w, err := history.ResolveWindow(hist, def.CompletedOnStatuses, def.AutoPopulateStatus)
	if errors.Is(err, history.ErrUnresolvedWindow) {
		return domain.Schedule{}
	}
	return domain.Schedule{
		Set:      true,
		Start:    calendar.Day(w.Start),
		End:      calendar.Day(w.End),
		Percent:  "100%",
		Started:  true,
		Finished: true,
	}
}
