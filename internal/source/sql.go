package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deviationsync/internal/domain"
)

// SQLFeed reads the source through configured queries. Record columns are
// matched by name; unknown columns are ignored. The history queries take the
// record id as their only parameter.
type SQLFeed struct {
	DB                   *sql.DB
	RecordsQuery         string
	HistoryQuery         string
	HistoryFallbackQuery string
}

var _ Feed = SQLFeed{}

func (f SQLFeed) Records(ctx context.Context) ([]domain.ParentRecord, error) {
	rows, err := f.DB.QueryContext(ctx, f.RecordsQuery)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []domain.ParentRecord
	err = scanMaps(rows, func(m map[string]string) error {
		rec, err := recordFromColumns(m)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (f SQLFeed) History(ctx context.Context, recordID int64) ([]domain.StatusHistoryEntry, error) {
	hist, err := f.history(ctx, f.HistoryQuery, recordID)
	if err != nil || len(hist) > 0 || f.HistoryFallbackQuery == "" {
		return hist, err
	}
	return f.history(ctx, f.HistoryFallbackQuery, recordID)
}

func (f SQLFeed) history(ctx context.Context, query string, recordID int64) ([]domain.StatusHistoryEntry, error) {
	rows, err := f.DB.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []domain.StatusHistoryEntry
	err = scanMaps(rows, func(m map[string]string) error {
		e, err := historyFromColumns(m)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func scanMaps(rows *sql.Rows, fn func(map[string]string) error) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		m := make(map[string]string, len(cols))
		for i, c := range cols {
			m[strings.ToLower(strings.TrimSpace(c))] = stringify(vals[i])
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func recordFromColumns(m map[string]string) (domain.ParentRecord, error) {
	id, err := parseInt(m["id"])
	if err != nil {
		return domain.ParentRecord{}, fmt.Errorf("record id %q: %w", m["id"], err)
	}
	iterations, _ := parseInt(m["iteration_count"])
	rec := domain.ParentRecord{
		ID:             id,
		Status:         strings.TrimSpace(m["status"]),
		Responsible:    normalizeContact(m["responsible_name"], m["responsible_email"]),
		ReportingTo:    normalizeContact(m["reporting_to_name"], m["reporting_to_email"]),
		Department:     known(m["department"]),
		Client:         known(m["client"]),
		DRType:         known(m["dr_type"]),
		Description:    known(m["description"]),
		Batch:          known(m["batch"]),
		TafqarDate:     optionalDate(m["tafqar_date"]),
		Criticality:    known(m["criticality"]),
		IterationCount: int(iterations),
		Reopened:       truthy(m["is_reopened"]),
		Dates: domain.RecordDates{
			Opened:       optionalDate(m["opened_date"]),
			Due:          optionalDate(m["due_date"]),
			Closed:       optionalDate(m["closed_date"]),
			Reopened:     optionalDate(m["reopened_date"]),
			CurrentState: optionalDate(m["current_state_date"]),
		},
	}
	if rec.Status == "" {
		return domain.ParentRecord{}, fmt.Errorf("record %d has no status", id)
	}
	return rec, nil
}

func historyFromColumns(m map[string]string) (domain.StatusHistoryEntry, error) {
	iteration, err := parseInt(m["iteration"])
	if err != nil {
		return domain.StatusHistoryEntry{}, fmt.Errorf("history iteration %q: %w", m["iteration"], err)
	}
	entered, err := parseTimestamp(m["entered_at"])
	if err != nil {
		return domain.StatusHistoryEntry{}, err
	}
	var exited time.Time
	if !domain.IsUnknown(m["exited_at"]) {
		if exited, err = parseTimestamp(m["exited_at"]); err != nil {
			return domain.StatusHistoryEntry{}, err
		}
	}
	return domain.StatusHistoryEntry{
		Status:    strings.TrimSpace(m["status"]),
		Iteration: int(iteration),
		EnteredAt: entered,
		ExitedAt:  exited,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return domain.ParseDate(v)
}

func parseInt(v string) (int64, error) {
	v = strings.TrimSuffix(strings.TrimSpace(v), ".0")
	return strconv.ParseInt(v, 10, 64)
}

func optionalDate(v string) time.Time {
	if domain.IsUnknown(v) {
		return time.Time{}
	}
	d, err := domain.ParseDate(v)
	if err != nil {
		return time.Time{}
	}
	return d
}

func known(v string) string {
	v = strings.TrimSpace(v)
	if domain.IsUnknown(v) {
		return ""
	}
	return v
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
