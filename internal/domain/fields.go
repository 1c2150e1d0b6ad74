package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Field names a sheet column. The set is closed: rows carrying any other
// column are rejected when decoded.
type Field string

const (
	FieldTaskName         Field = "Task Name"
	FieldDuration         Field = "Duration"
	FieldStatus           Field = "Status"
	FieldAssignedTo       Field = "Assigned To"
	FieldReportingTo      Field = "Reporting To"
	FieldStarted          Field = "Started"
	FieldStartedDate      Field = "Started Date"
	FieldFinished         Field = "Finished"
	FieldFinishedDate     Field = "Finished Date"
	FieldPercentComplete  Field = "% Complete"
	FieldCompletionDate   Field = "Completion Date"
	FieldDueDate          Field = "Due Date"
	FieldBornOnDate       Field = "Born On Date"
	FieldTargetFinish     Field = "Target Finish"
	FieldDepartment       Field = "Responsible Department"
	FieldClient           Field = "Client"
	FieldDRType           Field = "DR Type"
	FieldDescription      Field = "Short Description"
	FieldBatch            Field = "Batch"
	FieldTafqarDate       Field = "Tafqar Date"
	FieldIsReopened       Field = "Is Reopened"
	FieldReopenedDate     Field = "Reopened Date"
	FieldCurrentStateDate Field = "Current State From Date"
	FieldCriticality      Field = "Criticality"
	FieldIteration        Field = "Investigation Iteration"
	FieldPredecessors     Field = "Predecessors"
)

type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindDate
	KindCheckbox
	KindPercent
	KindContact
	KindPicklist
	KindDuration
	KindPredecessor
)

// Field groups are diffed as a unit: one differing member re-emits all members.
const (
	GroupSchedule   = "schedule"
	GroupCompletion = "completion"
	GroupBatch      = "batch"
)

type FieldSpec struct {
	Field  Field
	Kind   Kind
	Strict bool
	Group  string
}

// Schema lists every known column.
var Schema = []FieldSpec{
	{Field: FieldTaskName, Kind: KindNumber},
	{Field: FieldDuration, Kind: KindDuration},
	{Field: FieldStatus, Kind: KindPicklist, Strict: true},
	{Field: FieldAssignedTo, Kind: KindContact, Strict: true},
	{Field: FieldReportingTo, Kind: KindContact, Strict: true},
	{Field: FieldStarted, Kind: KindCheckbox, Strict: true},
	{Field: FieldStartedDate, Kind: KindDate},
	{Field: FieldFinished, Kind: KindCheckbox, Strict: true},
	{Field: FieldFinishedDate, Kind: KindDate},
	{Field: FieldPercentComplete, Kind: KindPercent},
	{Field: FieldCompletionDate, Kind: KindDate},
	{Field: FieldDueDate, Kind: KindDate},
	{Field: FieldBornOnDate, Kind: KindDate},
	{Field: FieldTargetFinish, Kind: KindDate},
	{Field: FieldDepartment, Kind: KindText},
	{Field: FieldClient, Kind: KindText},
	{Field: FieldDRType, Kind: KindText},
	{Field: FieldDescription, Kind: KindText},
	{Field: FieldBatch, Kind: KindText},
	{Field: FieldTafqarDate, Kind: KindDate},
	{Field: FieldIsReopened, Kind: KindText},
	{Field: FieldReopenedDate, Kind: KindDate},
	{Field: FieldCurrentStateDate, Kind: KindDate},
	{Field: FieldCriticality, Kind: KindText},
	{Field: FieldIteration, Kind: KindNumber},
	{Field: FieldPredecessors, Kind: KindPredecessor},
}

// ParentDiffSpecs are the tracked parent-row fields in emission order.
var ParentDiffSpecs = []FieldSpec{
	withGroup(FieldStatus, ""),
	withGroup(FieldCompletionDate, GroupCompletion),
	withGroup(FieldFinished, GroupCompletion),
	withGroup(FieldFinishedDate, GroupCompletion),
	withGroup(FieldDueDate, ""),
	withGroup(FieldBatch, GroupBatch),
	withGroup(FieldTafqarDate, GroupBatch),
	withGroup(FieldDepartment, ""),
	withGroup(FieldClient, ""),
	withGroup(FieldReportingTo, ""),
	withGroup(FieldDRType, ""),
	withGroup(FieldDescription, ""),
	withGroup(FieldIsReopened, ""),
	withGroup(FieldReopenedDate, ""),
	withGroup(FieldCurrentStateDate, ""),
	withGroup(FieldCriticality, ""),
	withGroup(FieldIteration, ""),
	withGroup(FieldAssignedTo, ""),
}

// SubtaskDiffSpecs are the tracked subtask-row fields in emission order.
var SubtaskDiffSpecs = []FieldSpec{
	withGroup(FieldStartedDate, GroupSchedule),
	withGroup(FieldFinishedDate, GroupSchedule),
	withGroup(FieldPercentComplete, GroupSchedule),
	withGroup(FieldStarted, GroupSchedule),
	withGroup(FieldFinished, GroupSchedule),
	withGroup(FieldAssignedTo, ""),
}

func withGroup(f Field, group string) FieldSpec {
	for _, s := range Schema {
		if s.Field == f {
			s.Group = group
			return s
		}
	}
	panic(fmt.Sprintf("field %q missing from schema", f))
}

var schemaIndex = func() map[Field]FieldSpec {
	idx := make(map[Field]FieldSpec, len(Schema))
	for _, s := range Schema {
		idx[s.Field] = s
	}
	return idx
}()

// Spec returns the schema entry of f.
func Spec(f Field) (FieldSpec, bool) {
	s, ok := schemaIndex[f]
	return s, ok
}

// LookupField maps a column title onto the schema.
func LookupField(name string) (Field, error) {
	f := Field(strings.TrimSpace(name))
	if _, ok := schemaIndex[f]; !ok {
		return "", fmt.Errorf("unknown sheet column %q", name)
	}
	return f, nil
}

// UnmarshalJSON decodes a cell map, failing on columns outside the schema.
func (c *Cells) UnmarshalJSON(data []byte) error {
	var raw map[string]Cell
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cells := make(Cells, len(raw))
	for name, cell := range raw {
		f, err := LookupField(name)
		if err != nil {
			return err
		}
		cells[f] = cell
	}
	*c = cells
	return nil
}

// ScheduleGroup returns the subtask fields that are only ever written together.
func ScheduleGroup() []Field {
	return []Field{FieldStartedDate, FieldFinishedDate, FieldPercentComplete, FieldStarted, FieldFinished}
}

// DateLayout is the canonical date representation in cells.
const DateLayout = "2006-01-02"

// FormatDate renders a civil date, empty for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

var dateLayouts = []string{
	DateLayout,
	"01/02/2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"01/02/06",
}

// ParseDate accepts the date spellings seen in the source feed and the sheet.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

var unknownValues = map[string]struct{}{
	"":     {},
	"n/a":  {},
	"none": {},
	"nan":  {},
	"nat":  {},
	"null": {},
	"nil":  {},
}

// IsUnknown reports whether v is one of the missing-value sentinels.
func IsUnknown(v string) bool {
	_, ok := unknownValues[strings.ToLower(strings.TrimSpace(v))]
	return ok
}
