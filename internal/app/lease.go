package app

import (
	"context"
	"time"

	"deviationsync/internal/repo"
)

// leaseKeeper holds the pass lease of one sheet and extends it once half of
// the TTL has elapsed since the last extension.
type leaseKeeper struct {
	repo    repo.Repo
	sheet   string
	owner   string
	ttl     time.Duration
	now     func() time.Time
	renewed time.Time
}

func (k *leaseKeeper) acquire(ctx context.Context) error {
	if _, err := k.repo.AcquireLease(ctx, k.sheet, k.owner, k.ttl); err != nil {
		return err
	}
	k.renewed = k.now()
	return nil
}

// renew extends the lease when it is past half its TTL. Losing the lease to
// another owner surfaces as repo.ErrLeaseHeld.
func (k *leaseKeeper) renew(ctx context.Context) error {
	if k.now().Sub(k.renewed) < k.ttl/2 {
		return nil
	}
	return k.acquire(ctx)
}

func (k *leaseKeeper) release(ctx context.Context) error {
	return k.repo.ReleaseLease(ctx, k.sheet, k.owner)
}
