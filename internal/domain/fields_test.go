package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellsDecodeKnownColumns(t *testing.T) {
	var cells Cells
	err := json.Unmarshal([]byte(`{"Task Name":{"value":"12"},"Assigned To":{"contact":{"name":"Ann","email":"ann@example.com"}}}`), &cells)
	require.NoError(t, err)
	assert.Equal(t, "12", cells[FieldTaskName].Value)
	require.NotNil(t, cells[FieldAssignedTo].Contact)
	assert.Equal(t, "ann@example.com", cells[FieldAssignedTo].Contact.Email)
}

func TestCellsDecodeRejectsUnknownColumn(t *testing.T) {
	var cells Cells
	err := json.Unmarshal([]byte(`{"Task Name":{"value":"12"},"Bogus Column":{"value":"x"}}`), &cells)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown sheet column "Bogus Column"`)
}

func TestCellsDecodeInsideRow(t *testing.T) {
	var row ExternalRow
	err := json.Unmarshal([]byte(`{"row_id":3,"cells":{"Statuss":{"value":"Open"}}}`), &row)
	require.Error(t, err)
}

func TestLookupFieldTrims(t *testing.T) {
	f, err := LookupField(" Status ")
	require.NoError(t, err)
	assert.Equal(t, FieldStatus, f)

	_, err = LookupField("Stat")
	assert.Error(t, err)
}
