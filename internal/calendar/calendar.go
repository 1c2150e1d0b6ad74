// Package calendar implements the business-day arithmetic used for subtask
// scheduling and the post-closure retention window.
package calendar

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is returned for negative day counts.
var ErrInvalidArgument = errors.New("invalid argument")

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsBusinessDay reports whether t falls on Monday through Friday.
func IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// AddBusinessDays returns the date n business days after date. Weekend days
// are skipped while counting; n == 0 returns date unchanged.
func AddBusinessDays(date time.Time, n int) (time.Time, error) {
	if n < 0 {
		return time.Time{}, fmt.Errorf("add %d business days: %w", n, ErrInvalidArgument)
	}
	end := date
	for added := 0; added < n; {
		end = end.AddDate(0, 0, 1)
		if !IsBusinessDay(end) {
			continue
		}
		added++
	}
	return end, nil
}
