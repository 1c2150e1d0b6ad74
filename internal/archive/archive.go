// Package archive stores the rows of closed deviations before they are
// removed from the sheet.
package archive

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"deviationsync/internal/differ"
	"deviationsync/internal/domain"
	"deviationsync/internal/repo"
)

const (
	CategoryDeviation        = "deviation"
	CategoryProductComplaint = "product_complaint"
)

type Sink interface {
	Append(ctx context.Context, action domain.ArchivalAction) error
}

// SQLSink writes archived rows to the archived_rows table.
type SQLSink struct {
	Repo                 repo.Repo
	Sheet                string
	ProductComplaintType string
}

var _ Sink = SQLSink{}

func (s SQLSink) Append(ctx context.Context, action domain.ArchivalAction) error {
	if len(action.Rows) == 0 {
		return fmt.Errorf("archive record %d: no rows", action.Record.ID)
	}
	category := s.Category(action.Record.DRType)
	rows := make([]domain.ArchivedRow, 0, len(action.Rows))
	for _, r := range action.Rows {
		rows = append(rows, domain.ArchivedRow{
			Sheet:    s.Sheet,
			RecordID: action.Record.ID,
			RowID:    r.RowID,
			Level:    r.Level,
			Category: category,
			Fields:   ExportFields(r.Cells),
		})
	}
	if err := s.Repo.InsertArchivedRows(ctx, rows); err != nil {
		return fmt.Errorf("archive record %d: %w", action.Record.ID, err)
	}
	return nil
}

// Category picks the archive table partition for a DR type.
func (s SQLSink) Category(drType string) string {
	if s.ProductComplaintType != "" && strings.EqualFold(strings.TrimSpace(drType), s.ProductComplaintType) {
		return CategoryProductComplaint
	}
	return CategoryDeviation
}

var timestampTail = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[T ].*$`)

// ExportValue normalizes one cell value for the archive.
func ExportValue(v string) string {
	v = differ.Normalize(domain.KindText, v)
	if m := timestampTail.FindStringSubmatch(v); m != nil {
		return m[1]
	}
	return v
}

// ExportFields flattens cells into column/value pairs. Contacts export their email.
func ExportFields(cells domain.Cells) map[string]string {
	out := make(map[string]string, len(cells))
	for f, c := range cells {
		v := c.Value
		if c.Contact != nil {
			v = c.Contact.Email
		}
		out[string(f)] = ExportValue(v)
	}
	return out
}
