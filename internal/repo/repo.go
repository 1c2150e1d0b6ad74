package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deviationsync/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return r.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func scanSheetRow(scan func(dest ...any) error) (domain.ExternalRow, error) {
	var (
		row    domain.ExternalRow
		parent sql.NullInt64
		cells  string
	)
	if err := scan(&row.RowID, &parent, &row.Level, &cells); err != nil {
		return row, err
	}
	if parent.Valid {
		row.ParentRowID = parent.Int64
	}
	row.Cells = domain.Cells{}
	if err := json.Unmarshal([]byte(cells), &row.Cells); err != nil {
		return row, fmt.Errorf("decode cells of row %d: %w", row.RowID, err)
	}
	return row, nil
}

// InsertSheetRow stores a row and returns its id. Ids are never reused.
func (r Repo) InsertSheetRow(ctx context.Context, sheet string, row domain.ExternalRow) (int64, error) {
	if sheet == "" {
		return 0, errors.New("sheet required")
	}
	if row.ParentRowID != 0 {
		if _, err := r.GetSheetRow(ctx, sheet, row.ParentRowID); err != nil {
			return 0, fmt.Errorf("parent row %d: %w", row.ParentRowID, err)
		}
	}
	if row.Cells == nil {
		row.Cells = domain.Cells{}
	}
	data, err := json.Marshal(row.Cells)
	if err != nil {
		return 0, fmt.Errorf("marshal cells: %w", err)
	}
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO sheet_rows(sheet,parent_id,level,cells_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		sheet, nullableInt64(row.ParentRowID), row.Level, string(data), now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetSheetRow(ctx context.Context, sheet string, id int64) (domain.ExternalRow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,parent_id,level,cells_json FROM sheet_rows WHERE sheet=? AND id=?`, sheet, id)
	res, err := scanSheetRow(row.Scan)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

// ListSheetRows returns every row of sheet in creation order.
func (r Repo) ListSheetRows(ctx context.Context, sheet string) ([]domain.ExternalRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,parent_id,level,cells_json FROM sheet_rows WHERE sheet=? ORDER BY id ASC`, sheet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExternalRow
	for rows.Next() {
		row, err := scanSheetRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// UpdateSheetCells applies updates atomically. An update naming a missing row
// fails the whole batch with ErrNotFound.
func (r Repo) UpdateSheetCells(ctx context.Context, sheet string, updates []domain.CellUpdate) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pending := map[int64]domain.Cells{}
	var order []int64
	for _, u := range updates {
		cells, ok := pending[u.RowID]
		if !ok {
			var raw string
			err := tx.QueryRowContext(ctx, `SELECT cells_json FROM sheet_rows WHERE sheet=? AND id=?`, sheet, u.RowID).Scan(&raw)
			if err == sql.ErrNoRows {
				return fmt.Errorf("row %d: %w", u.RowID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			cells = domain.Cells{}
			if err := json.Unmarshal([]byte(raw), &cells); err != nil {
				return fmt.Errorf("decode cells of row %d: %w", u.RowID, err)
			}
			pending[u.RowID] = cells
			order = append(order, u.RowID)
		}
		cells[u.Field] = u.Value
	}
	now := r.now()
	for _, id := range order {
		data, err := json.Marshal(pending[id])
		if err != nil {
			return fmt.Errorf("marshal cells: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sheet_rows SET cells_json=?, updated_at=? WHERE id=?`, string(data), now, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteSheetRows removes rows and, through the foreign key, their children.
func (r Repo) DeleteSheetRows(ctx context.Context, sheet string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM sheet_rows WHERE sheet=? AND id=?`, sheet, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("row %d: %w", id, ErrNotFound)
		}
	}
	return tx.Commit()
}

// CountSheetRows returns the number of parent and child rows of sheet.
func (r Repo) CountSheetRows(ctx context.Context, sheet string) (parents, children int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN parent_id IS NULL THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN parent_id IS NOT NULL THEN 1 ELSE 0 END),0)
FROM sheet_rows WHERE sheet=?`, sheet).Scan(&parents, &children)
	return parents, children, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
