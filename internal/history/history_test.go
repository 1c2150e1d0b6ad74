package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviationsync/internal/domain"
)

func at(day, hour int) time.Time {
	return time.Date(2024, 4, day, hour, 0, 0, 0, time.UTC)
}

func entry(status string, iteration, enterDay, exitDay int) domain.StatusHistoryEntry {
	return domain.StatusHistoryEntry{Status: status, Iteration: iteration, EnteredAt: at(enterDay, 9), ExitedAt: at(exitDay, 17)}
}

func TestResolveWindowEarliestIteration(t *testing.T) {
	h := []domain.StatusHistoryEntry{
		entry("Investigation", 2, 10, 12),
		entry("Investigation", 1, 2, 4),
		entry("Approval", 1, 5, 6),
		entry("Approval", 2, 13, 14),
	}
	w, err := ResolveWindow(h, []string{"Approval", "Closed - Done"}, "Investigation")
	require.NoError(t, err)
	assert.Equal(t, at(2, 9), w.Start)
	assert.Equal(t, at(4, 17), w.End)
}

func TestResolveWindowTiesFormWindow(t *testing.T) {
	h := []domain.StatusHistoryEntry{
		entry("Investigation", 1, 2, 3),
		entry("Investigation", 1, 4, 5),
		entry("Approval", 1, 8, 9),
	}
	w, err := ResolveWindow(h, []string{"Approval"}, "Investigation")
	require.NoError(t, err)
	assert.Equal(t, at(2, 9), w.Start)
	assert.Equal(t, at(5, 17), w.End)
}

func TestResolveWindowIgnoresIntervalsAfterTrigger(t *testing.T) {
	h := []domain.StatusHistoryEntry{
		entry("Approval", 1, 3, 4),
		entry("Investigation", 1, 5, 6),
	}
	_, err := ResolveWindow(h, []string{"Approval"}, "Investigation")
	assert.ErrorIs(t, err, ErrUnresolvedWindow)
}

func TestResolveWindowUnresolved(t *testing.T) {
	tests := []struct {
		name     string
		history  []domain.StatusHistoryEntry
		triggers []string
		auto     string
	}{
		{name: "empty history", triggers: []string{"Approval"}, auto: "Investigation"},
		{name: "no auto status entries", history: []domain.StatusHistoryEntry{entry("Approval", 1, 3, 4)}, triggers: []string{"Approval"}, auto: "Investigation"},
		{name: "no trigger entries", history: []domain.StatusHistoryEntry{entry("Investigation", 1, 3, 4)}, triggers: []string{"Approval"}, auto: "Investigation"},
		{name: "no triggers", history: []domain.StatusHistoryEntry{entry("Investigation", 1, 3, 4)}, auto: "Investigation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ResolveWindow(tt.history, tt.triggers, tt.auto)
			assert.ErrorIs(t, err, ErrUnresolvedWindow)
			assert.True(t, w.Start.IsZero())
			assert.True(t, w.End.IsZero())
		})
	}
}
