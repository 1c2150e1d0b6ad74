package sheet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"deviationsync/internal/domain"
	"deviationsync/internal/repo"
)

// Local keeps a sheet in the workspace database.
type Local struct {
	Repo          repo.Repo
	Sheet         string
	StatusOptions []string
}

var _ Store = (*Local)(nil)

func (l *Local) Snapshot(ctx context.Context) ([]domain.ExternalRow, Status, error) {
	rows, err := l.Repo.ListSheetRows(ctx, l.Sheet)
	if err != nil {
		return nil, Status{Code: http.StatusInternalServerError, Message: err.Error()}, err
	}
	return rows, statusOK, nil
}

func (l *Local) CreateRow(ctx context.Context, row domain.NewRow) (int64, Status, error) {
	cells := domain.Cells{}
	for f, c := range row.Cells {
		cells[f] = c
	}
	if row.Predecessor != nil {
		cells[domain.FieldPredecessors] = domain.Text(fmt.Sprintf("%d%s", row.Predecessor.RowID, row.Predecessor.Type))
	}
	for f, c := range cells {
		if msg := l.validate(f, c); msg != "" {
			return 0, Status{Code: http.StatusBadRequest, Message: msg}, nil
		}
	}
	level := 1
	if row.ParentRowID != 0 {
		level = 2
	}
	id, err := l.Repo.InsertSheetRow(ctx, l.Sheet, domain.ExternalRow{ParentRowID: row.ParentRowID, Level: level, Cells: cells})
	if err != nil {
		return 0, failure(err), errOrNil(err)
	}
	return id, statusOK, nil
}

func (l *Local) UpdateCells(ctx context.Context, updates []domain.CellUpdate) (Status, error) {
	if len(updates) == 0 {
		return statusOK, nil
	}
	for _, u := range updates {
		if msg := l.validate(u.Field, u.Value); msg != "" {
			return Status{Code: http.StatusBadRequest, Message: fmt.Sprintf("row %d: %s", u.RowID, msg)}, nil
		}
	}
	if err := l.Repo.UpdateSheetCells(ctx, l.Sheet, updates); err != nil {
		return failure(err), errOrNil(err)
	}
	return statusOK, nil
}

func (l *Local) DeleteRows(ctx context.Context, rowIDs []int64) (Status, error) {
	if err := l.Repo.DeleteSheetRows(ctx, l.Sheet, rowIDs); err != nil {
		return failure(err), errOrNil(err)
	}
	return statusOK, nil
}

// validate returns a rejection message for a cell the sheet would refuse.
func (l *Local) validate(f domain.Field, c domain.Cell) string {
	spec, ok := domain.Spec(f)
	if !ok {
		return fmt.Sprintf("unknown column %q", f)
	}
	if !spec.Strict {
		return ""
	}
	switch spec.Kind {
	case domain.KindPicklist:
		if c.Value == "" || len(l.StatusOptions) == 0 {
			return ""
		}
		for _, opt := range l.StatusOptions {
			if opt == c.Value {
				return ""
			}
		}
		return fmt.Sprintf("value %q is not an option of %q", c.Value, f)
	case domain.KindContact:
		if c.Contact == nil || !strings.Contains(c.Contact.Email, "@") {
			return fmt.Sprintf("column %q needs a contact with an email", f)
		}
	case domain.KindCheckbox:
		if c.Value != "true" && c.Value != "false" {
			return fmt.Sprintf("column %q needs true or false", f)
		}
	}
	return ""
}

// failure maps a repo error onto a store status. Missing rows are reported
// through the status alone.
func failure(err error) Status {
	if errors.Is(err, repo.ErrNotFound) {
		return Status{Code: http.StatusNotFound, Message: err.Error()}
	}
	return Status{Code: http.StatusInternalServerError, Message: err.Error()}
}

func errOrNil(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}
