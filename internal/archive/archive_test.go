package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviationsync/internal/db"
	"deviationsync/internal/domain"
	"deviationsync/internal/migrate"
	"deviationsync/internal/repo"
)

func TestExportValue(t *testing.T) {
	assert.Equal(t, "12", ExportValue("12.0"))
	assert.Equal(t, "2024-04-01", ExportValue("2024-04-01T08:30:00Z"))
	assert.Equal(t, "2024-04-01", ExportValue("2024-04-01 08:30:00"))
	assert.Equal(t, "", ExportValue("N/A"))
	assert.Equal(t, "Filter 1.0 failure", ExportValue("Filter 1.0 failure"))
}

func TestSQLSinkAppend(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	sink := SQLSink{Repo: r, Sheet: "qa", ProductComplaintType: "Product Complaint"}

	action := domain.ArchivalAction{
		Record:      domain.ParentRecord{ID: 77, DRType: "product complaint"},
		ParentRowID: 10,
		Rows: []domain.ExternalRow{
			{RowID: 10, Level: 1, Cells: domain.Cells{
				domain.FieldTaskName:       domain.Text("77.0"),
				domain.FieldCompletionDate: domain.Text("2024-01-02T00:00:00"),
				domain.FieldAssignedTo:     domain.ContactCell(domain.Contact{Name: "Ada", Email: "ada@example.com"}),
				domain.FieldBatch:          domain.Text("N/A"),
			}},
			{RowID: 11, ParentRowID: 10, Level: 2, Cells: domain.Cells{domain.FieldTaskName: domain.Text("Investigation")}},
		},
	}
	require.NoError(t, sink.Append(ctx, action))

	rows, err := r.ListArchivedRows(ctx, repo.ArchiveFilters{RecordIDs: []int64{77}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byRow := map[int64]domain.ArchivedRow{}
	for _, row := range rows {
		assert.Equal(t, CategoryProductComplaint, row.Category)
		byRow[row.RowID] = row
	}
	parent := byRow[10]
	assert.Equal(t, "77", parent.Fields["Task Name"])
	assert.Equal(t, "2024-01-02", parent.Fields["Completion Date"])
	assert.Equal(t, "ada@example.com", parent.Fields["Assigned To"])
	assert.Equal(t, "", parent.Fields["Batch"])
	assert.Equal(t, 2, byRow[11].Level)

	assert.Equal(t, CategoryDeviation, sink.Category("Deviation"))
	assert.Error(t, sink.Append(ctx, domain.ArchivalAction{Record: domain.ParentRecord{ID: 1}}))
}
