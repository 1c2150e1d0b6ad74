// Package executor applies a SyncPlan to the sheet store with bounded
// retries, rolling back hierarchies whose creation fails part way.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deviationsync/internal/sheet"
)

// Policy bounds the attempts made for one store operation.
type Policy struct {
	// MaxAttempts counts the first try. Default: 5
	MaxAttempts int
	// Delay is the fixed wait between attempts. Default: 5 seconds
	Delay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Delay: 5 * time.Second}
}

// ApplyDefaults sets default values for unset fields.
func (p *Policy) ApplyDefaults() {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
}

// StoreOperationError reports a store operation that kept failing.
type StoreOperationError struct {
	Op       string
	Attempts int
	Status   sheet.Status
	Err      error
}

func (e *StoreOperationError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts (status %s): %v", e.Op, e.Attempts, e.Status, e.Err)
}

func (e *StoreOperationError) Unwrap() error { return e.Err }

// PassAbortedError ends a pass. Operations counted in Completed were applied
// and stay applied.
type PassAbortedError struct {
	Completed int
	Pending   int
	Err       error
}

func (e *PassAbortedError) Error() string {
	return fmt.Sprintf("pass aborted with %d operations completed and %d pending: %v", e.Completed, e.Pending, e.Err)
}

func (e *PassAbortedError) Unwrap() error { return e.Err }

// Operation is one attempt at a store call.
type Operation func(ctx context.Context) (sheet.Status, error)

// Retry runs op until it succeeds or policy.MaxAttempts attempts have failed.
// An attempt succeeds when it returns no error and an OK status. After the
// last failure compensate, when given, runs once and Retry returns a
// *StoreOperationError.
func Retry(ctx context.Context, policy Policy, name string, op Operation, compensate func(context.Context) error) (sheet.Status, error) {
	policy.ApplyDefaults()
	var (
		last    sheet.Status
		lastErr error
		tries   int
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		tries = attempt
		st, err := op(ctx)
		if err == nil && st.OK() {
			return st, nil
		}
		last = st
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("store returned status %s", st)
		}
		if attempt == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = errors.Join(lastErr, ctx.Err())
			attempt = policy.MaxAttempts
		case <-timer.C:
		}
	}

	opErr := &StoreOperationError{Op: name, Attempts: tries, Status: last, Err: lastErr}
	if compensate != nil {
		if cerr := compensate(context.WithoutCancel(ctx)); cerr != nil {
			opErr.Err = errors.Join(opErr.Err, fmt.Errorf("compensation: %w", cerr))
		}
	}
	return last, opErr
}
