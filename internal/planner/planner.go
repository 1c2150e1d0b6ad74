// Package planner classifies every source record against the sheet snapshot
// and turns the result into a SyncPlan.
package planner

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"deviationsync/internal/calendar"
	"deviationsync/internal/config"
	"deviationsync/internal/differ"
	"deviationsync/internal/domain"
	"deviationsync/internal/hierarchy"
)

type Class int

const (
	ClassUnchanged Class = iota
	ClassChanged
	ClassArchivable
	ClassNew
	ClassSkipped
	ClassDeferred
)

func (c Class) String() string {
	switch c {
	case ClassUnchanged:
		return "unchanged"
	case ClassChanged:
		return "changed"
	case ClassArchivable:
		return "archivable"
	case ClassNew:
		return "new"
	case ClassSkipped:
		return "skipped"
	case ClassDeferred:
		return "deferred"
	}
	return "unknown"
}

type Summary struct {
	New        int `json:"new"`
	Changed    int `json:"changed"`
	Unchanged  int `json:"unchanged"`
	Archivable int `json:"archivable"`
	Skipped    int `json:"skipped"`
	Deferred   int `json:"deferred"`
}

func (s *Summary) count(c Class) {
	switch c {
	case ClassUnchanged:
		s.Unchanged++
	case ClassChanged:
		s.Changed++
	case ClassArchivable:
		s.Archivable++
	case ClassNew:
		s.New++
	case ClassSkipped:
		s.Skipped++
	case ClassDeferred:
		s.Deferred++
	}
}

type Input struct {
	Records  []domain.ParentRecord
	History  map[int64][]domain.StatusHistoryEntry
	Snapshot []domain.ExternalRow
	Today    time.Time
}

// Hierarchy is a parent row with its subtask rows in snapshot order.
type Hierarchy struct {
	Parent   domain.ExternalRow
	Children []domain.ExternalRow
}

// Rows returns the parent followed by its children.
func (h Hierarchy) Rows() []domain.ExternalRow {
	return append([]domain.ExternalRow{h.Parent}, h.Children...)
}

type Planner struct {
	Config *config.Config
	Logger *zap.Logger
}

func (p Planner) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p Planner) builder() hierarchy.Builder {
	return hierarchy.Builder{Config: p.Config}
}

// Group indexes the snapshot by the record id held in each parent's Task Name.
// Parents whose Task Name is not a record id are ignored.
func (p Planner) Group(snapshot []domain.ExternalRow) map[int64]Hierarchy {
	byRow := map[int64]int64{}
	out := map[int64]Hierarchy{}
	for _, row := range snapshot {
		if !row.IsParent() {
			continue
		}
		id, err := RecordID(row)
		if err != nil {
			p.logger().Debug("ignoring parent row", zap.Int64("row_id", row.RowID), zap.Error(err))
			continue
		}
		if prev, ok := out[id]; ok {
			p.logger().Warn("duplicate parent row for record",
				zap.Int64("record_id", id), zap.Int64("row_id", row.RowID), zap.Int64("kept_row_id", prev.Parent.RowID))
			continue
		}
		out[id] = Hierarchy{Parent: row}
		byRow[row.RowID] = id
	}
	for _, row := range snapshot {
		if row.IsParent() {
			continue
		}
		id, ok := byRow[row.ParentRowID]
		if !ok {
			continue
		}
		h := out[id]
		h.Children = append(h.Children, row)
		out[id] = h
	}
	return out
}

// RecordID reads the deviation id from a parent row.
func RecordID(row domain.ExternalRow) (int64, error) {
	v := differ.Normalize(domain.KindNumber, row.Value(domain.FieldTaskName))
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("task name %q is not a record id", row.Value(domain.FieldTaskName))
	}
	return id, nil
}

// Classify assigns every record its class without computing diffs. Matched
// records that are not archivable are reported as ClassChanged.
func (p Planner) Classify(in Input, groups map[int64]Hierarchy) map[int64]Class {
	out := make(map[int64]Class, len(in.Records))
	admitted := 0
	for _, rec := range in.Records {
		if h, ok := groups[rec.ID]; ok {
			if p.Archivable(rec, h.Parent, in.Today) {
				out[rec.ID] = ClassArchivable
			} else {
				out[rec.ID] = ClassChanged
			}
			continue
		}
		if !p.Admit(rec) {
			out[rec.ID] = ClassSkipped
			continue
		}
		if p.Config.Sync.BatchCeiling > 0 && admitted >= p.Config.Sync.BatchCeiling {
			out[rec.ID] = ClassDeferred
			continue
		}
		admitted++
		out[rec.ID] = ClassNew
	}
	return out
}

// HistoryIDs lists the records whose status history the plan needs.
func (p Planner) HistoryIDs(in Input) []int64 {
	classes := p.Classify(in, p.Group(in.Snapshot))
	var ids []int64
	for _, rec := range in.Records {
		switch classes[rec.ID] {
		case ClassChanged, ClassNew:
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// Archivable reports whether a matched record has been closed long enough.
func (p Planner) Archivable(rec domain.ParentRecord, parent domain.ExternalRow, today time.Time) bool {
	if !p.Config.IsTerminal(rec.Status) || rec.Dates.Closed.IsZero() {
		return false
	}
	completion := differ.Normalize(domain.KindDate, parent.Value(domain.FieldCompletionDate))
	if completion == "" || completion != domain.FormatDate(rec.Dates.Closed) {
		return false
	}
	completed, err := domain.ParseDate(completion)
	if err != nil {
		return false
	}
	due, err := calendar.AddBusinessDays(completed, p.Config.Sync.RetentionBusinessDays)
	if err != nil {
		return false
	}
	return !calendar.Day(today).Before(due)
}

// Admit applies the configured admission filters to an unmatched record.
func (p Planner) Admit(rec domain.ParentRecord) bool {
	if p.Config.Admission.SkipTerminal && p.Config.IsTerminal(rec.Status) {
		return false
	}
	if p.Config.Admission.RequireResponsible && !rec.Responsible.Known() {
		return false
	}
	return true
}

// Plan computes the SyncPlan for one pass.
func (p Planner) Plan(in Input) (domain.SyncPlan, Summary, error) {
	var (
		plan    domain.SyncPlan
		summary Summary
	)
	today := calendar.Day(in.Today)
	groups := p.Group(in.Snapshot)
	classes := p.Classify(in, groups)
	log := p.logger()

	for _, rec := range in.Records {
		class := classes[rec.ID]
		hist := in.History[rec.ID]
		switch class {
		case ClassArchivable:
			h := groups[rec.ID]
			plan.Archivals = append(plan.Archivals, domain.ArchivalAction{
				Record:      rec,
				ParentRowID: h.Parent.RowID,
				Rows:        h.Rows(),
			})
		case ClassChanged:
			updates, err := p.diffHierarchy(rec, hist, groups[rec.ID])
			if err != nil {
				return domain.SyncPlan{}, Summary{}, fmt.Errorf("diff record %d: %w", rec.ID, err)
			}
			if len(updates) == 0 {
				class = ClassUnchanged
				break
			}
			plan.Updates = append(plan.Updates, updates...)
		case ClassNew:
			tpl, err := p.Config.TemplateFor(today)
			if err != nil {
				return domain.SyncPlan{}, Summary{}, err
			}
			creation, err := p.builder().Build(rec, hist, tpl, today)
			if err != nil {
				return domain.SyncPlan{}, Summary{}, fmt.Errorf("build record %d: %w", rec.ID, err)
			}
			plan.Creates = append(plan.Creates, creation)
		case ClassSkipped:
			log.Debug("record not admitted", zap.Int64("record_id", rec.ID), zap.String("status", rec.Status))
		case ClassDeferred:
			log.Debug("record deferred by batch ceiling", zap.Int64("record_id", rec.ID))
		}
		summary.count(class)
	}
	return plan, summary, nil
}

func (p Planner) diffHierarchy(rec domain.ParentRecord, hist []domain.StatusHistoryEntry, h Hierarchy) ([]domain.CellUpdate, error) {
	updates := differ.Diff(h.Parent, differ.ParentWant(rec, p.Config), domain.ParentDiffSpecs)

	var started time.Time
	if v := differ.Normalize(domain.KindDate, h.Parent.Value(domain.FieldStartedDate)); v != "" {
		if d, err := domain.ParseDate(v); err == nil {
			started = d
		}
	}
	tpl, err := p.Config.TemplateFor(started)
	if err != nil {
		return nil, err
	}
	b := p.builder()
	for _, child := range h.Children {
		var s domain.Schedule
		if def, ok := tpl.Lookup(child.Value(domain.FieldTaskName)); ok {
			s = b.Schedule(rec, hist, def)
		}
		updates = append(updates, differ.Diff(child, differ.SubtaskWant(s, rec.Responsible), domain.SubtaskDiffSpecs)...)
	}
	return updates, nil
}
