// Package differ compares the cells held by the sheet with the cells derived
// from the source feed and produces the minimal set of cell updates.
package differ

import (
	"strconv"
	"strings"

	"deviationsync/internal/config"
	"deviationsync/internal/domain"
)

// Normalize maps a raw cell value onto its canonical form for kind. Missing
// value sentinels normalize to the empty string.
func Normalize(kind domain.Kind, v string) string {
	v = strings.TrimSpace(v)
	if domain.IsUnknown(v) {
		if kind == domain.KindCheckbox {
			return "false"
		}
		return ""
	}
	switch kind {
	case domain.KindDate:
		if d, err := domain.ParseDate(v); err == nil {
			return domain.FormatDate(d)
		}
		return v
	case domain.KindCheckbox:
		switch strings.ToLower(v) {
		case "true", "1", "1.0", "yes", "y", "checked":
			return "true"
		}
		return "false"
	case domain.KindPercent:
		return normalizePercent(v)
	case domain.KindContact:
		return strings.ToLower(v)
	case domain.KindDuration:
		v = stripFloatZero(strings.TrimSuffix(strings.ToLower(v), "d"))
		return v + "d"
	default:
		return stripFloatZero(v)
	}
}

// stripFloatZero turns "42.0" into "42". Other text is returned as is.
func stripFloatZero(v string) string {
	if !strings.HasSuffix(v, ".0") {
		return v
	}
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		return v
	}
	return strings.TrimSuffix(v, ".0")
}

// normalizePercent accepts "100%", "100" and the fractional "1.0".
func normalizePercent(v string) string {
	raw := strings.TrimSpace(strings.TrimSuffix(v, "%"))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return v
	}
	if !strings.HasSuffix(v, "%") && f <= 1 {
		f *= 100
	}
	return strconv.FormatFloat(f, 'f', -1, 64) + "%"
}

func contactEmail(c domain.Cell) string {
	if c.Contact != nil {
		return strings.ToLower(strings.TrimSpace(c.Contact.Email))
	}
	return strings.ToLower(strings.TrimSpace(c.Value))
}

// Diff returns the updates that bring row to want, in specs order. Only fields
// present in want are compared. A difference in any member of a group
// re-emits every group member present in want.
func Diff(row domain.ExternalRow, want domain.Cells, specs []domain.FieldSpec) []domain.CellUpdate {
	changed := make(map[domain.Field]bool, len(want))
	dirty := map[string]bool{}
	for _, spec := range specs {
		w, ok := want[spec.Field]
		if !ok {
			continue
		}
		have := row.Cells[spec.Field]
		var differs bool
		if spec.Kind == domain.KindContact {
			email := contactEmail(w)
			if domain.IsUnknown(email) {
				continue
			}
			differs = email != contactEmail(have)
		} else {
			differs = Normalize(spec.Kind, w.Value) != Normalize(spec.Kind, have.Value)
		}
		if differs {
			changed[spec.Field] = true
			if spec.Group != "" {
				dirty[spec.Group] = true
			}
		}
	}

	var updates []domain.CellUpdate
	for _, spec := range specs {
		w, ok := want[spec.Field]
		if !ok {
			continue
		}
		if !changed[spec.Field] && !(spec.Group != "" && dirty[spec.Group]) {
			continue
		}
		if spec.Kind == domain.KindContact && domain.IsUnknown(contactEmail(w)) {
			continue
		}
		updates = append(updates, domain.CellUpdate{
			RowID:  row.RowID,
			Field:  spec.Field,
			Value:  canonical(spec.Kind, w),
			Strict: spec.Strict,
		})
	}
	return updates
}

func canonical(kind domain.Kind, c domain.Cell) domain.Cell {
	if kind == domain.KindContact {
		if c.Contact == nil {
			return domain.ContactCell(domain.Contact{Email: strings.ToLower(strings.TrimSpace(c.Value))})
		}
		return domain.ContactCell(domain.Contact{
			Name:  strings.TrimSpace(c.Contact.Name),
			Email: strings.ToLower(strings.TrimSpace(c.Contact.Email)),
		})
	}
	if kind == domain.KindText || kind == domain.KindPicklist {
		return domain.Text(strings.TrimSpace(c.Value))
	}
	return domain.Text(Normalize(kind, c.Value))
}

// ParentWant derives the tracked parent-row cells from record.
func ParentWant(record domain.ParentRecord, cfg *config.Config) domain.Cells {
	closed := cfg.IsTerminal(record.Status) && !record.Dates.Closed.IsZero()
	completion := ""
	if closed {
		completion = domain.FormatDate(record.Dates.Closed)
	}
	reopened := "No"
	if record.Reopened {
		reopened = "Yes"
	}
	cells := domain.Cells{
		domain.FieldStatus:           domain.Text(record.Status),
		domain.FieldCompletionDate:   domain.Text(completion),
		domain.FieldFinished:         domain.Checkbox(closed),
		domain.FieldFinishedDate:     domain.Text(completion),
		domain.FieldDueDate:          domain.Text(domain.FormatDate(record.Dates.Due)),
		domain.FieldBatch:            domain.Text(record.Batch),
		domain.FieldTafqarDate:       domain.Text(domain.FormatDate(record.TafqarDate)),
		domain.FieldDepartment:       domain.Text(record.Department),
		domain.FieldClient:           domain.Text(record.Client),
		domain.FieldDRType:           domain.Text(record.DRType),
		domain.FieldDescription:      domain.Text(record.Description),
		domain.FieldIsReopened:       domain.Text(reopened),
		domain.FieldReopenedDate:     domain.Text(domain.FormatDate(record.Dates.Reopened)),
		domain.FieldCurrentStateDate: domain.Text(domain.FormatDate(record.Dates.CurrentState)),
		domain.FieldCriticality:      domain.Text(record.Criticality),
		domain.FieldIteration:        domain.Text(strconv.Itoa(record.IterationCount)),
	}
	if record.ReportingTo.Known() {
		cells[domain.FieldReportingTo] = domain.ContactCell(record.ReportingTo)
	}
	if record.Responsible.Known() {
		cells[domain.FieldAssignedTo] = domain.ContactCell(record.Responsible)
	}
	return cells
}

// SubtaskWant derives the tracked subtask-row cells. The schedule group is
// only included when s is set.
func SubtaskWant(s domain.Schedule, assignee domain.Contact) domain.Cells {
	cells := domain.Cells{}
	if s.Set {
		cells[domain.FieldStartedDate] = domain.Text(domain.FormatDate(s.Start))
		cells[domain.FieldFinishedDate] = domain.Text(domain.FormatDate(s.End))
		cells[domain.FieldPercentComplete] = domain.Text(s.Percent)
		cells[domain.FieldStarted] = domain.Checkbox(s.Started)
		cells[domain.FieldFinished] = domain.Checkbox(s.Finished)
	}
	if assignee.Known() {
		cells[domain.FieldAssignedTo] = domain.ContactCell(assignee)
	}
	return cells
}
