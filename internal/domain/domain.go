package domain

import (
	"strings"
	"time"
)

type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Known reports whether the contact can be assigned in the sheet.
func (c Contact) Known() bool {
	return strings.TrimSpace(c.Name) != "" && !IsUnknown(c.Name) &&
		strings.TrimSpace(c.Email) != "" && !IsUnknown(c.Email)
}

type RecordDates struct {
	Opened       time.Time `json:"opened,omitempty"`
	Due          time.Time `json:"due,omitempty"`
	Closed       time.Time `json:"closed,omitempty"`
	Reopened     time.Time `json:"reopened,omitempty"`
	CurrentState time.Time `json:"current_state,omitempty"`
}

// ParentRecord is one deviation as reported by the source feed.
type ParentRecord struct {
	ID             int64       `json:"id"`
	Status         string      `json:"status"`
	Responsible    Contact     `json:"responsible"`
	ReportingTo    Contact     `json:"reporting_to"`
	Department     string      `json:"department,omitempty"`
	Client         string      `json:"client,omitempty"`
	DRType         string      `json:"dr_type,omitempty"`
	Description    string      `json:"description,omitempty"`
	Batch          string      `json:"batch,omitempty"`
	TafqarDate     time.Time   `json:"tafqar_date,omitempty"`
	Criticality    string      `json:"criticality,omitempty"`
	Dates          RecordDates `json:"dates"`
	IterationCount int         `json:"iteration_count"`
	Reopened       bool        `json:"reopened"`
}

type StatusHistoryEntry struct {
	Status    string    `json:"status"`
	Iteration int       `json:"iteration"`
	EnteredAt time.Time `json:"entered_at"`
	ExitedAt  time.Time `json:"exited_at"`
}

type SubtaskDef struct {
	Name                string   `json:"name" yaml:"name"`
	DurationDays        int      `json:"duration_days" yaml:"duration_days"`
	CompletedOnStatuses []string `json:"completed_on_statuses" yaml:"completed_on_statuses"`
	AutoPopulateStatus  string   `json:"auto_populate_status" yaml:"auto_populate_status"`
}


// CompletedOn reports whether status completes this subtask.
func (d SubtaskDef) CompletedOn(status string) bool {
	for _, s := range d.CompletedOnStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type SubtaskTemplate struct {
	Version  int          `json:"version" yaml:"version"`
	Subtasks []SubtaskDef `json:"subtasks" yaml:"subtasks"`
}

// Lookup returns the definition named name.
func (t SubtaskTemplate) Lookup(name string) (SubtaskDef, bool) {
	for _, d := range t.Subtasks {
		if d.Name == name {
			return d, true
		}
	}
	return SubtaskDef{}, false
}

// Cell is one value in the sheet. Contact cells carry Contact and leave Value empty.
type Cell struct {
	Value   string   `json:"value,omitempty"`
	Contact *Contact `json:"contact,omitempty"`
}

func Text(v string) Cell { return Cell{Value: v} }

func Checkbox(v bool) Cell {
	if v {
		return Cell{Value: "true"}
	}
	return Cell{Value: "false"}
}

func ContactCell(c Contact) Cell { return Cell{Contact: &c} }

type Cells map[Field]Cell

type ExternalRow struct {
	RowID       int64 `json:"row_id"`
	ParentRowID int64 `json:"parent_row_id,omitempty"`
	Level       int   `json:"level" enum:"1,2"`
	Cells       Cells `json:"cells"`
}

// IsParent reports whether the row is a top-level deviation row.
func (r ExternalRow) IsParent() bool { return r.ParentRowID == 0 }

func (r ExternalRow) Value(f Field) string { return r.Cells[f].Value }

type Predecessor struct {
	RowID int64  `json:"row_id"`
	Type  string `json:"type"`
}

// NewRow is a row creation payload. ParentRowID is zero for parent rows.
type NewRow struct {
	ParentRowID int64        `json:"parent_row_id,omitempty"`
	Cells       Cells        `json:"cells"`
	Predecessor *Predecessor `json:"predecessor,omitempty"`
}

type CellUpdate struct {
	RowID  int64 `json:"row_id"`
	Field  Field `json:"field"`
	Value  Cell  `json:"value"`
	Strict bool  `json:"strict"`
}

type SubtaskCreation struct {
	Name             string    `json:"name"`
	Cells            Cells     `json:"cells"`
	OpenDate         time.Time `json:"open_date"`
	CloseDate        time.Time `json:"close_date"`
	PredecessorIndex int       `json:"predecessor_index"`
	PredecessorType  string    `json:"predecessor_type,omitempty"`
}

type ParentCreation struct {
	Record   ParentRecord      `json:"record"`
	Parent   NewRow            `json:"parent"`
	Subtasks []SubtaskCreation `json:"subtasks"`
}

type ArchivalAction struct {
	Record      ParentRecord  `json:"record"`
	ParentRowID int64         `json:"parent_row_id"`
	Rows        []ExternalRow `json:"rows"`
}

type SyncPlan struct {
	Creates   []ParentCreation `json:"creates"`
	Updates   []CellUpdate     `json:"updates"`
	Archivals []ArchivalAction `json:"archivals"`
}

// Empty reports whether applying the plan would touch the store.
func (p SyncPlan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Archivals) == 0
}

// Operations counts store mutations the plan will issue.
func (p SyncPlan) Operations() int {
	n := len(p.Archivals)
	if len(p.Updates) > 0 {
		n++
	}
	for _, c := range p.Creates {
		n += 1 + len(c.Subtasks)
	}
	return n
}

type Pass struct {
	ID         string `json:"id"`
	Sheet      string `json:"sheet"`
	Status     string `json:"status" enum:"running,succeeded,aborted,failed,dry_run"`
	DryRun     bool   `json:"dry_run"`
	Summary    string `json:"summary_json,omitempty"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	PassID   string `json:"pass_id"`
	Type     string `json:"type"`
	RecordID int64  `json:"record_id,omitempty"`
	Payload  string `json:"payload_json"`
}

type Lease struct {
	Sheet      string `json:"sheet"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type ArchivedRow struct {
	ID         int64             `json:"id"`
	Sheet      string            `json:"sheet"`
	RecordID   int64             `json:"record_id"`
	RowID      int64             `json:"row_id"`
	Level      int               `json:"level"`
	Category   string            `json:"category" enum:"deviation,product_complaint"`
	Fields     map[string]string `json:"fields"`
	ArchivedAt string            `json:"archived_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Schedule is the derived state of one subtask. Set is false when nothing
// could be derived and the store values must be left alone.
type Schedule struct {
	Set      bool      `json:"set"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
	Percent  string    `json:"percent,omitempty"`
	Started  bool      `json:"started"`
	Finished bool      `json:"finished"`
}
