package differ

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviationsync/internal/config"
	"deviationsync/internal/domain"
)

func day(s string) time.Time {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func sampleRecord() domain.ParentRecord {
	return domain.ParentRecord{
		ID:          1042,
		Status:      "Investigation",
		Responsible: domain.Contact{Name: "Ada Moreau", Email: "ada@example.com"},
		ReportingTo: domain.Contact{Name: "Lin Park", Email: "lin@example.com"},
		Department:  "QC",
		Client:      "Acme",
		DRType:      "Deviation",
		Description: "Filter integrity failure",
		Batch:       "B-7",
		TafqarDate:  day("2024-05-02"),
		Criticality: "Major",
		Dates: domain.RecordDates{
			Opened: day("2024-04-01"),
			Due:    day("2024-05-01"),
		},
		IterationCount: 1,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		in   string
		want string
	}{
		{domain.KindDate, "04/01/2024", "2024-04-01"},
		{domain.KindDate, "2024-04-01T13:45:00", "2024-04-01"},
		{domain.KindDate, "2024-04-01 13:45:00", "2024-04-01"},
		{domain.KindDate, "NaT", ""},
		{domain.KindText, "42.0", "42"},
		{domain.KindText, "Lot 4.0A", "Lot 4.0A"},
		{domain.KindText, " N/A ", ""},
		{domain.KindText, "None", ""},
		{domain.KindNumber, "3.0", "3"},
		{domain.KindCheckbox, "True", "true"},
		{domain.KindCheckbox, "", "false"},
		{domain.KindCheckbox, "0", "false"},
		{domain.KindPercent, "1.0", "100%"},
		{domain.KindPercent, "100%", "100%"},
		{domain.KindPercent, "0.5", "50%"},
		{domain.KindContact, "Ada@Example.com", "ada@example.com"},
		{domain.KindDuration, "5", "5d"},
		{domain.KindDuration, "5d", "5d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.kind, tt.in), "Normalize(%v, %q)", tt.kind, tt.in)
	}
}

func TestDiffIdentityIsEmpty(t *testing.T) {
	cfg := config.Default("qa")
	want := ParentWant(sampleRecord(), cfg)
	row := domain.ExternalRow{RowID: 7, Level: 1, Cells: want}
	assert.Nil(t, Diff(row, want, domain.ParentDiffSpecs))

	sub := SubtaskWant(domain.Schedule{Set: true, Start: day("2024-04-01"), End: day("2024-04-03"), Percent: "100%", Started: true, Finished: true}, sampleRecord().Responsible)
	assert.Nil(t, Diff(domain.ExternalRow{RowID: 8, ParentRowID: 7, Level: 2, Cells: sub}, sub, domain.SubtaskDiffSpecs))
}

func TestDiffToleratesEquivalentSpellings(t *testing.T) {
	cfg := config.Default("qa")
	want := ParentWant(sampleRecord(), cfg)
	have := domain.Cells{}
	for f, c := range want {
		have[f] = c
	}
	have[domain.FieldDueDate] = domain.Text("05/01/2024")
	have[domain.FieldIteration] = domain.Text("1.0")
	have[domain.FieldReopenedDate] = domain.Text("N/A")
	have[domain.FieldAssignedTo] = domain.ContactCell(domain.Contact{Name: "Ada Moreau", Email: "ADA@example.com"})
	assert.Empty(t, Diff(domain.ExternalRow{RowID: 7, Cells: have}, want, domain.ParentDiffSpecs))
}

func TestDiffContactEmailChange(t *testing.T) {
	cfg := config.Default("qa")
	rec := sampleRecord()
	row := domain.ExternalRow{RowID: 7, Cells: ParentWant(rec, cfg)}

	rec.Responsible = domain.Contact{Name: "Ada Moreau", Email: "ada.moreau@example.com"}
	updates := Diff(row, ParentWant(rec, cfg), domain.ParentDiffSpecs)
	require.Len(t, updates, 1)
	assert.Equal(t, domain.FieldAssignedTo, updates[0].Field)
	require.NotNil(t, updates[0].Value.Contact)
	assert.Equal(t, "Ada Moreau", updates[0].Value.Contact.Name)
	assert.Equal(t, "ada.moreau@example.com", updates[0].Value.Contact.Email)
	assert.True(t, updates[0].Strict)
}

func TestDiffUnknownContactIsSkipped(t *testing.T) {
	row := domain.ExternalRow{RowID: 9, Cells: domain.Cells{
		domain.FieldAssignedTo: domain.ContactCell(domain.Contact{Name: "Ada Moreau", Email: "ada@example.com"}),
	}}
	want := domain.Cells{domain.FieldAssignedTo: domain.ContactCell(domain.Contact{Name: "N/A", Email: "N/A"})}
	assert.Empty(t, Diff(row, want, domain.SubtaskDiffSpecs))
}

func TestDiffScheduleGroupEmittedTogether(t *testing.T) {
	have := SubtaskWant(domain.Schedule{Set: true, Start: day("2024-04-01"), End: day("2024-04-03"), Percent: "100%", Started: true, Finished: true}, domain.Contact{})
	want := SubtaskWant(domain.Schedule{Set: true, Start: day("2024-04-01"), End: day("2024-04-04"), Percent: "100%", Started: true, Finished: true}, domain.Contact{})

	updates := Diff(domain.ExternalRow{RowID: 11, ParentRowID: 7, Cells: have}, want, domain.SubtaskDiffSpecs)
	require.Len(t, updates, 5)
	var fields []domain.Field
	for _, u := range updates {
		assert.Equal(t, int64(11), u.RowID)
		fields = append(fields, u.Field)
	}
	assert.Equal(t, domain.ScheduleGroup(), fields)
}

func TestDiffUnsetScheduleLeavesRowAlone(t *testing.T) {
	have := SubtaskWant(domain.Schedule{Set: true, Start: day("2024-04-01"), End: day("2024-04-03"), Percent: "100%", Started: true, Finished: true}, domain.Contact{})
	want := SubtaskWant(domain.Schedule{}, domain.Contact{})
	assert.Empty(t, Diff(domain.ExternalRow{RowID: 11, Cells: have}, want, domain.SubtaskDiffSpecs))
}

func TestDiffCompletionGroup(t *testing.T) {
	cfg := config.Default("qa")
	rec := sampleRecord()
	row := domain.ExternalRow{RowID: 7, Cells: ParentWant(rec, cfg)}

	rec.Status = "Closed - Done"
	rec.Dates.Closed = day("2024-04-20")
	updates := Diff(row, ParentWant(rec, cfg), domain.ParentDiffSpecs)
	require.Len(t, updates, 4)
	assert.Equal(t, domain.FieldStatus, updates[0].Field)
	assert.True(t, updates[0].Strict)
	assert.Equal(t, domain.FieldCompletionDate, updates[1].Field)
	assert.Equal(t, "2024-04-20", updates[1].Value.Value)
	assert.Equal(t, domain.FieldFinished, updates[2].Field)
	assert.Equal(t, "true", updates[2].Value.Value)
	assert.Equal(t, domain.FieldFinishedDate, updates[3].Field)
}

func TestDiffBatchGroup(t *testing.T) {
	cfg := config.Default("qa")
	rec := sampleRecord()
	row := domain.ExternalRow{RowID: 7, Cells: ParentWant(rec, cfg)}

	rec.Batch = "B-8"
	updates := Diff(row, ParentWant(rec, cfg), domain.ParentDiffSpecs)
	require.Len(t, updates, 2)
	assert.Equal(t, domain.FieldBatch, updates[0].Field)
	assert.Equal(t, domain.FieldTafqarDate, updates[1].Field)
	assert.Equal(t, "2024-05-02", updates[1].Value.Value)
}
