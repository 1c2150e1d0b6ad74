package server

import (
	"encoding/json"
	"time"

	"deviationsync/internal/domain"
	"deviationsync/internal/planner"
)

type PassResponse struct {
	ID         string         `json:"id"`
	Sheet      string         `json:"sheet"`
	Status     string         `json:"status" enum:"running,succeeded,aborted,failed,dry_run"`
	DryRun     bool           `json:"dry_run"`
	Summary    map[string]any `json:"summary,omitempty"`
	StartedAt  string         `json:"started_at" format:"date-time"`
	FinishedAt *string        `json:"finished_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	PassID   string         `json:"pass_id"`
	Type     string         `json:"type"`
	RecordID *int64         `json:"record_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type RowResponse struct {
	RowID       int64             `json:"row_id"`
	ParentRowID *int64            `json:"parent_row_id,omitempty"`
	Level       int               `json:"level" enum:"1,2"`
	Cells       map[string]string `json:"cells"`
}

type ArchivedRowResponse struct {
	ID         int64             `json:"id"`
	RecordID   int64             `json:"record_id"`
	RowID      int64             `json:"row_id"`
	Level      int               `json:"level"`
	Category   string            `json:"category" enum:"deviation,product_complaint"`
	Fields     map[string]string `json:"fields"`
	ArchivedAt string            `json:"archived_at" format:"date-time"`
}

type PlanResponse struct {
	Summary    planner.Summary  `json:"summary"`
	Operations int              `json:"operations"`
	Updates    []UpdateResponse `json:"updates"`
	Archivals  []int64          `json:"archivals" doc:"Record ids whose rows would be archived"`
	Creates    []CreateResponse `json:"creates"`
}

type UpdateResponse struct {
	RowID int64  `json:"row_id"`
	Field string `json:"field"`
	Value string `json:"value"`
}

type CreateResponse struct {
	RecordID int64    `json:"record_id"`
	Subtasks []string `json:"subtasks"`
}

type MeResponse struct {
	ActorID   string  `json:"actor_id"`
	Source    string  `json:"source" enum:"jwt,api_key"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

type paginatedPasses struct {
	Items []PassResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type rowList struct {
	Items []RowResponse `json:"items"`
}

type archiveList struct {
	Items []ArchivedRowResponse `json:"items"`
}

func passResponse(p domain.Pass) PassResponse {
	return PassResponse{
		ID:         p.ID,
		Sheet:      p.Sheet,
		Status:     p.Status,
		DryRun:     p.DryRun,
		Summary:    decodeJSONMap(p.Summary),
		StartedAt:  p.StartedAt,
		FinishedAt: strPtr(p.FinishedAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		PassID:  e.PassID,
		Type:    e.Type,
		Payload: decodeJSONMap(e.Payload),
	}
	if e.RecordID != 0 {
		id := e.RecordID
		resp.RecordID = &id
	}
	return resp
}

// cellText renders a cell the way the sheet displays it.
func cellText(c domain.Cell) string {
	if c.Contact != nil {
		return c.Contact.Email
	}
	return c.Value
}

func rowResponse(r domain.ExternalRow) RowResponse {
	resp := RowResponse{RowID: r.RowID, Level: r.Level, Cells: make(map[string]string, len(r.Cells))}
	if r.ParentRowID != 0 {
		id := r.ParentRowID
		resp.ParentRowID = &id
	}
	for f, c := range r.Cells {
		resp.Cells[string(f)] = cellText(c)
	}
	return resp
}

func archivedRowResponse(a domain.ArchivedRow) ArchivedRowResponse {
	fields := a.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	return ArchivedRowResponse{
		ID:         a.ID,
		RecordID:   a.RecordID,
		RowID:      a.RowID,
		Level:      a.Level,
		Category:   a.Category,
		Fields:     fields,
		ArchivedAt: a.ArchivedAt,
	}
}

func planResponse(plan domain.SyncPlan, summary planner.Summary) PlanResponse {
	resp := PlanResponse{
		Summary:    summary,
		Operations: plan.Operations(),
		Updates:    []UpdateResponse{},
		Archivals:  []int64{},
		Creates:    []CreateResponse{},
	}
	for _, u := range plan.Updates {
		resp.Updates = append(resp.Updates, UpdateResponse{RowID: u.RowID, Field: string(u.Field), Value: cellText(u.Value)})
	}
	for _, a := range plan.Archivals {
		resp.Archivals = append(resp.Archivals, a.Record.ID)
	}
	for _, c := range plan.Creates {
		cr := CreateResponse{RecordID: c.Record.ID, Subtasks: []string{}}
		for _, s := range c.Subtasks {
			cr.Subtasks = append(cr.Subtasks, s.Name)
		}
		resp.Creates = append(resp.Creates, cr)
	}
	return resp
}

func meResponse(p Principal) MeResponse {
	resp := MeResponse{ActorID: p.ActorID, Source: p.Source}
	if !p.ExpiresAt.IsZero() {
		resp.ExpiresAt = strPtr(p.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return resp
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func strPtr(in string) *string {
	if in == "" {
		return nil
	}
	return &in
}
