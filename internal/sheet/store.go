// Package sheet defines the external sheet store the reconciler writes to and
// a local SQLite-backed implementation of it.
package sheet

import (
	"context"
	"fmt"
	"net/http"

	"deviationsync/internal/domain"
)

// Status is the store's own success signal. A call may return a nil error and
// still fail with a non-OK status.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (s Status) OK() bool { return s.Code == http.StatusOK }

func (s Status) String() string {
	if s.Message == "" {
		return fmt.Sprintf("%d", s.Code)
	}
	return fmt.Sprintf("%d %s", s.Code, s.Message)
}

var statusOK = Status{Code: http.StatusOK}

type Store interface {
	Snapshot(ctx context.Context) ([]domain.ExternalRow, Status, error)
	CreateRow(ctx context.Context, row domain.NewRow) (int64, Status, error)
	UpdateCells(ctx context.Context, updates []domain.CellUpdate) (Status, error)
	DeleteRows(ctx context.Context, rowIDs []int64) (Status, error)
}
