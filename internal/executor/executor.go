package executor

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deviationsync/internal/archive"
	"deviationsync/internal/domain"
	"deviationsync/internal/events"
	"deviationsync/internal/hierarchy"
	"deviationsync/internal/metrics"
	"deviationsync/internal/sheet"
)

// EventFunc receives progress events of Apply.
type EventFunc func(ctx context.Context, evtType string, recordID int64, payload events.EventPayload)

type Executor struct {
	Store   sheet.Store
	Sink    archive.Sink
	Policy  Policy
	Limiter *rate.Limiter
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	OnEvent EventFunc
	// BeforeStep runs ahead of every plan operation; an error aborts the pass.
	BeforeStep func(ctx context.Context) error
}

type Result struct {
	Updated    int `json:"updated"`
	Archived   int `json:"archived"`
	Created    int `json:"created"`
	RolledBack int `json:"rolled_back"`
	Completed  int `json:"completed"`
	Pending    int `json:"pending"`
}

// NewLimiter returns a limiter pacing store calls to perMinute, or nil for
// no pacing.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Executor) step(ctx context.Context) error {
	if e.BeforeStep == nil {
		return nil
	}
	return e.BeforeStep(ctx)
}

func (e *Executor) emit(ctx context.Context, evtType string, recordID int64, payload events.EventPayload) {
	if e.OnEvent != nil {
		e.OnEvent(ctx, evtType, recordID, payload)
	}
}

// call wraps one store call with pacing, logging and metrics.
func (e *Executor) call(name string, recordID int64, op Operation) Operation {
	attempt := 0
	return func(ctx context.Context) (sheet.Status, error) {
		attempt++
		if attempt > 1 {
			e.Metrics.StoreRetry(name)
			e.emit(ctx, events.StoreRetry, recordID, events.EventPayload{"op": name, "attempt": attempt})
		}
		if e.Limiter != nil {
			if err := e.Limiter.Wait(ctx); err != nil {
				return sheet.Status{}, err
			}
		}
		start := time.Now()
		st, err := op(ctx)
		outcome := "ok"
		if err != nil || !st.OK() {
			outcome = "error"
			e.logger().Warn("store call failed",
				zap.String("op", name),
				zap.Int64("record_id", recordID),
				zap.Int("attempt", attempt),
				zap.Int("status", st.Code),
				zap.String("message", st.Message),
				zap.Error(err))
		}
		e.Metrics.StoreCall(name, outcome, time.Since(start))
		return st, err
	}
}

func (e *Executor) retry(ctx context.Context, name string, recordID int64, op Operation, compensate func(context.Context) error) error {
	_, err := Retry(ctx, e.Policy, name, e.call(name, recordID, op), compensate)
	return err
}

// Apply runs the plan: the batched cell updates first, then archivals, then
// hierarchy creations. The first operation to exhaust its retries aborts the
// pass with a *PassAbortedError.
func (e *Executor) Apply(ctx context.Context, plan domain.SyncPlan) (Result, error) {
	var res Result
	total := plan.Operations()
	log := e.logger()
	abort := func(err error) (Result, error) {
		res.Pending = total - res.Completed
		log.Error("pass aborted", zap.Int("completed", res.Completed), zap.Int("pending", res.Pending), zap.Error(err))
		return res, &PassAbortedError{Completed: res.Completed, Pending: res.Pending, Err: err}
	}

	if len(plan.Updates) > 0 {
		if err := e.step(ctx); err != nil {
			return abort(err)
		}
		err := e.retry(ctx, "update_cells", 0, func(ctx context.Context) (sheet.Status, error) {
			return e.Store.UpdateCells(ctx, plan.Updates)
		}, nil)
		if err != nil {
			return abort(err)
		}
		res.Completed++
		res.Updated = len(plan.Updates)
		e.emit(ctx, events.CellsUpdated, 0, events.EventPayload{"cells": len(plan.Updates), "rows": distinctRows(plan.Updates)})
		log.Info("cells updated", zap.Int("cells", len(plan.Updates)))
	}

	for _, a := range plan.Archivals {
		if err := e.step(ctx); err != nil {
			return abort(err)
		}
		if err := e.archive(ctx, a); err != nil {
			return abort(err)
		}
		res.Completed++
		res.Archived++
	}

	for _, c := range plan.Creates {
		if err := e.step(ctx); err != nil {
			return abort(err)
		}
		tr := hierarchy.NewTracker(c)
		err := e.create(ctx, tr, func() { res.Completed++ })
		if err != nil {
			if tr.State() == hierarchy.RolledBack {
				res.RolledBack++
			}
			return abort(err)
		}
		res.Created++
	}
	return res, nil
}

func (e *Executor) archive(ctx context.Context, a domain.ArchivalAction) error {
	id := a.Record.ID
	err := e.retry(ctx, "archive_append", id, func(ctx context.Context) (sheet.Status, error) {
		if err := e.Sink.Append(ctx, a); err != nil {
			return sheet.Status{Code: http.StatusInternalServerError, Message: err.Error()}, err
		}
		return sheet.Status{Code: http.StatusOK}, nil
	}, nil)
	if err != nil {
		return err
	}
	err = e.retry(ctx, "delete_rows", id, func(ctx context.Context) (sheet.Status, error) {
		return e.Store.DeleteRows(ctx, []int64{a.ParentRowID})
	}, nil)
	if err != nil {
		return err
	}
	e.emit(ctx, events.RecordArchived, id, events.EventPayload{"parent_row_id": a.ParentRowID, "rows": len(a.Rows)})
	e.logger().Info("record archived", zap.Int64("record_id", id), zap.Int64("parent_row_id", a.ParentRowID))
	return nil
}

// create drives tr to Done. A failed subtask deletes the parent row, which
// removes the subtasks created so far with it.
func (e *Executor) create(ctx context.Context, tr *hierarchy.Tracker, done func()) error {
	recordID := tr.Record().ID

	var parentRowID int64
	err := e.retry(ctx, "create_parent", recordID, func(ctx context.Context) (sheet.Status, error) {
		rowID, st, err := e.Store.CreateRow(ctx, tr.ParentRow())
		if err == nil && st.OK() {
			parentRowID = rowID
		}
		return st, err
	}, nil)
	if err != nil {
		return err
	}
	if err := tr.ParentCreated(parentRowID); err != nil {
		return err
	}
	done()

	compensate := func(ctx context.Context) error {
		tr.RollBack()
		e.Metrics.Compensation()
		st, err := e.Store.DeleteRows(ctx, []int64{parentRowID})
		if err == nil && !st.OK() {
			err = &StoreOperationError{Op: "delete_rows", Attempts: 1, Status: st}
		}
		e.emit(ctx, events.HierarchyRolled, recordID, events.EventPayload{"parent_row_id": parentRowID, "subtasks_created": len(tr.RowIDs())})
		e.logger().Warn("hierarchy rolled back", zap.Int64("record_id", recordID), zap.Int64("parent_row_id", parentRowID), zap.Error(err))
		return err
	}

	for row, ok := tr.NextSubtask(); ok; row, ok = tr.NextSubtask() {
		var subRowID int64
		err := e.retry(ctx, "create_subtask", recordID, func(ctx context.Context) (sheet.Status, error) {
			rowID, st, err := e.Store.CreateRow(ctx, row)
			if err == nil && st.OK() {
				subRowID = rowID
			}
			return st, err
		}, compensate)
		if err != nil {
			return err
		}
		if err := tr.SubtaskCreated(subRowID); err != nil {
			return err
		}
		done()
	}
	e.emit(ctx, events.HierarchyCreated, recordID, events.EventPayload{"parent_row_id": parentRowID, "subtask_row_ids": tr.RowIDs()})
	e.logger().Info("hierarchy created", zap.Int64("record_id", recordID), zap.Int64("parent_row_id", parentRowID), zap.Int("subtasks", len(tr.RowIDs())))
	return nil
}

func distinctRows(updates []domain.CellUpdate) int {
	seen := map[int64]struct{}{}
	for _, u := range updates {
		seen[u.RowID] = struct{}{}
	}
	return len(seen)
}
