// Package history resolves subtask dates from the status-transition feed of a
// deviation.
package history

import (
	"errors"
	"time"

	"deviationsync/internal/domain"
)

// ErrUnresolvedWindow means the history holds no interval that can back-fill
// the subtask. Callers leave the dependent cells empty.
var ErrUnresolvedWindow = errors.New("status window unresolved")

type Window struct {
	Start time.Time
	End   time.Time
}

// ResolveWindow returns the time spent in autoStatus during its earliest
// iteration that ended before the first entry into triggers[0].
func ResolveWindow(history []domain.StatusHistoryEntry, triggers []string, autoStatus string) (Window, error) {
	if len(triggers) == 0 || autoStatus == "" {
		return Window{}, ErrUnresolvedWindow
	}
	first, ok := firstEntry(history, triggers[0])
	if !ok {
		return Window{}, ErrUnresolvedWindow
	}

	var candidates []domain.StatusHistoryEntry
	minIteration := 0
	for _, h := range history {
		if h.Status != autoStatus || h.ExitedAt.IsZero() || h.ExitedAt.After(first) {
			continue
		}
		switch {
		case len(candidates) == 0 || h.Iteration < minIteration:
			minIteration = h.Iteration
			candidates = append(candidates[:0], h)
		case h.Iteration == minIteration:
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return Window{}, ErrUnresolvedWindow
	}

	w := Window{Start: candidates[0].EnteredAt, End: candidates[0].ExitedAt}
	for _, c := range candidates[1:] {
		if c.EnteredAt.Before(w.Start) {
			w.Start = c.EnteredAt
		}
		if c.ExitedAt.After(w.End) {
			w.End = c.ExitedAt
		}
	}
	return w, nil
}

func firstEntry(history []domain.StatusHistoryEntry, status string) (time.Time, bool) {
	var first time.Time
	found := false
	for _, h := range history {
		if h.Status != status {
			continue
		}
		if !found || h.EnteredAt.Before(first) {
			first = h.EnteredAt
			found = true
		}
	}
	return first, found
}
