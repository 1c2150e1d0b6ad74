package sheet

import (
	"context"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviationsync/internal/db"
	"deviationsync/internal/domain"
	"deviationsync/internal/migrate"
	"deviationsync/internal/repo"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return &Local{Repo: repo.Repo{DB: conn}, Sheet: "qa", StatusOptions: []string{"Open", "Closed - Done"}}
}

func TestLocalCreateWithPredecessor(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	parent, st, err := l.CreateRow(ctx, domain.NewRow{Cells: domain.Cells{
		domain.FieldTaskName: domain.Text("12"),
		domain.FieldStatus:   domain.Text("Open"),
	}})
	require.NoError(t, err)
	require.True(t, st.OK())

	first, st, err := l.CreateRow(ctx, domain.NewRow{ParentRowID: parent, Cells: domain.Cells{domain.FieldTaskName: domain.Text("A")}})
	require.NoError(t, err)
	require.True(t, st.OK())
	second, st, err := l.CreateRow(ctx, domain.NewRow{
		ParentRowID: parent,
		Cells:       domain.Cells{domain.FieldTaskName: domain.Text("B")},
		Predecessor: &domain.Predecessor{RowID: first, Type: "FS"},
	})
	require.NoError(t, err)
	require.True(t, st.OK())

	rows, st, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, st.OK())
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].Level)
	assert.Equal(t, 2, rows[2].Level)
	assert.Equal(t, second, rows[2].RowID)
	assert.Equal(t, strconv.FormatInt(first, 10)+"FS", rows[2].Value(domain.FieldPredecessors))
}

func TestLocalRejectsStrictViolations(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	_, st, err := l.CreateRow(ctx, domain.NewRow{Cells: domain.Cells{domain.FieldStatus: domain.Text("Paused")}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, st.Code)
	assert.False(t, st.OK())

	_, st, err = l.CreateRow(ctx, domain.NewRow{Cells: domain.Cells{"Colour": domain.Text("red")}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, st.Code)

	id, st, err := l.CreateRow(ctx, domain.NewRow{Cells: domain.Cells{domain.FieldTaskName: domain.Text("1")}})
	require.NoError(t, err)
	require.True(t, st.OK())

	st, err = l.UpdateCells(ctx, []domain.CellUpdate{{RowID: id, Field: domain.FieldAssignedTo, Value: domain.ContactCell(domain.Contact{Name: "x"}), Strict: true}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, st.Code)

	st, err = l.UpdateCells(ctx, []domain.CellUpdate{{RowID: id, Field: domain.FieldStatus, Value: domain.Text("Closed - Done"), Strict: true}})
	require.NoError(t, err)
	assert.True(t, st.OK())
}

func TestLocalMissingRows(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	st, err := l.UpdateCells(ctx, []domain.CellUpdate{{RowID: 404, Field: domain.FieldStatus, Value: domain.Text("Open")}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, st.Code)

	st, err = l.DeleteRows(ctx, []int64{404})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, st.Code)

	_, st, err = l.CreateRow(ctx, domain.NewRow{ParentRowID: 404, Cells: domain.Cells{domain.FieldTaskName: domain.Text("A")}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, st.Code)
}

func TestLocalDeleteCascades(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	parent, _, err := l.CreateRow(ctx, domain.NewRow{Cells: domain.Cells{domain.FieldTaskName: domain.Text("5")}})
	require.NoError(t, err)
	_, _, err = l.CreateRow(ctx, domain.NewRow{ParentRowID: parent, Cells: domain.Cells{domain.FieldTaskName: domain.Text("A")}})
	require.NoError(t, err)

	st, err := l.DeleteRows(ctx, []int64{parent})
	require.NoError(t, err)
	require.True(t, st.OK())
	rows, _, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLocalSnapshotRejectsUnknownColumn(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	_, err := l.Repo.DB.ExecContext(ctx, `INSERT INTO sheet_rows(sheet,parent_id,level,cells_json,created_at,updated_at) VALUES (?,NULL,1,?,?,?)`,
		"qa", `{"Task Name":{"value":"7"},"Bogus Column":{"value":"x"}}`, "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z")
	require.NoError(t, err)

	rows, st, err := l.Snapshot(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bogus Column")
	assert.Equal(t, http.StatusInternalServerError, st.Code)
	assert.Nil(t, rows)
}
