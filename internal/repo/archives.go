package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"deviationsync/internal/domain"
)

// InsertArchivedRows stores rows in one transaction.
func (r Repo) InsertArchivedRows(ctx context.Context, rows []domain.ArchivedRow) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.now()
	for _, row := range rows {
		if row.Sheet == "" || row.Category == "" {
			return errors.New("archived row needs sheet and category")
		}
		if row.ArchivedAt == "" {
			row.ArchivedAt = now
		}
		fields := row.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("marshal archived fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO archived_rows(sheet,record_id,row_id,level,category,fields_json,archived_at) VALUES (?,?,?,?,?,?,?)`,
			row.Sheet, row.RecordID, row.RowID, row.Level, row.Category, string(data), row.ArchivedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type ArchiveFilters struct {
	Sheet     string
	Category  string
	RecordIDs []int64
	Limit     int
}

// ListArchivedRows returns archived rows newest first.
func (r Repo) ListArchivedRows(ctx context.Context, f ArchiveFilters) ([]domain.ArchivedRow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Sheet != "" {
		clauses = append(clauses, "sheet=?")
		args = append(args, f.Sheet)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if len(f.RecordIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("record_id IN (%s)", placeholders(len(f.RecordIDs))))
		for _, id := range f.RecordIDs {
			args = append(args, id)
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,sheet,record_id,row_id,level,category,fields_json,archived_at FROM archived_rows WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArchivedRow
	for rows.Next() {
		var (
			a      domain.ArchivedRow
			fields sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Sheet, &a.RecordID, &a.RowID, &a.Level, &a.Category, &fields, &a.ArchivedAt); err != nil {
			return nil, err
		}
		a.Fields = map[string]string{}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &a.Fields); err != nil {
				return nil, fmt.Errorf("decode archived row %d: %w", a.ID, err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
