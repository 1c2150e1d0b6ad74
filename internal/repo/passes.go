package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"deviationsync/internal/domain"
)

const (
	PassRunning   = "running"
	PassSucceeded = "succeeded"
	PassAborted   = "aborted"
	PassFailed    = "failed"
	PassDryRun    = "dry_run"
)

func (r Repo) InsertPass(ctx context.Context, p domain.Pass) error {
	if p.ID == "" || p.Sheet == "" {
		return errors.New("pass id and sheet required")
	}
	if p.StartedAt == "" {
		p.StartedAt = r.now()
	}
	if p.Status == "" {
		p.Status = PassRunning
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO passes(id,sheet,status,dry_run,summary_json,started_at,finished_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Sheet, p.Status, p.DryRun, nullable(p.Summary), p.StartedAt, nullable(p.FinishedAt))
	return err
}

// FinishPass records the final status and summary of a pass.
func (r Repo) FinishPass(ctx context.Context, id, status, summaryJSON string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE passes SET status=?, summary_json=?, finished_at=? WHERE id=?`,
		status, nullable(summaryJSON), r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPass(scan func(dest ...any) error) (domain.Pass, error) {
	var (
		p        domain.Pass
		summary  sql.NullString
		finished sql.NullString
	)
	if err := scan(&p.ID, &p.Sheet, &p.Status, &p.DryRun, &summary, &p.StartedAt, &finished); err != nil {
		return p, err
	}
	p.Summary = summary.String
	p.FinishedAt = finished.String
	return p, nil
}

func (r Repo) GetPass(ctx context.Context, id string) (domain.Pass, error) {
	p, err := scanPass(r.DB.QueryRowContext(ctx, `SELECT id,sheet,status,dry_run,summary_json,started_at,finished_at FROM passes WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

type PassFilters struct {
	Sheet  string
	Status string
	Limit  int
}

// ListPasses returns passes newest first.
func (r Repo) ListPasses(ctx context.Context, f PassFilters) ([]domain.Pass, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Sheet != "" {
		clauses = append(clauses, "sheet=?")
		args = append(args, f.Sheet)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,sheet,status,dry_run,summary_json,started_at,finished_at FROM passes WHERE %s ORDER BY started_at DESC, id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pass
	for rows.Next() {
		p, err := scanPass(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// PassEvents returns the events of a pass in ascending order after cursor.
func (r Repo) PassEvents(ctx context.Context, passID string, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,pass_id,type,COALESCE(record_id,0),payload_json FROM events WHERE pass_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		passID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.PassID, &e.Type, &e.RecordID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
