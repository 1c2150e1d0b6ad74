package main

import (
	"errors"
	"fmt"
	"testing"

	"deviationsync/internal/executor"
)

func TestExitCode(t *testing.T) {
	aborted := &executor.PassAbortedError{Completed: 5, Pending: 4, Err: errors.New("store unavailable")}
	if got := exitCode(fmt.Errorf("sync: %w", aborted)); got != exitPassAborted {
		t.Fatalf("aborted pass exit code %d, want %d", got, exitPassAborted)
	}
	if got := exitCode(errors.New("config not found")); got != 1 {
		t.Fatalf("generic failure exit code %d, want 1", got)
	}
}
