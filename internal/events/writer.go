package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written during a pass.
const (
	PassStarted      = "pass.started"
	PassFinished     = "pass.finished"
	PassAborted      = "pass.aborted"
	PlanComputed     = "plan.computed"
	CellsUpdated     = "cells.updated"
	RecordArchived   = "record.archived"
	HierarchyCreated = "hierarchy.created"
	HierarchyRolled  = "hierarchy.rolled_back"
	StoreRetry       = "store.retry"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event, inside tx when one is given.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, passID, evtType string, recordID int64, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const query = `INSERT INTO events(ts,pass_id,type,record_id,payload_json) VALUES (?,?,?,?,?)`
	args := []any{ts, passID, evtType, nullableID(recordID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
