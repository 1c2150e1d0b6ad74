package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deviationsync/internal/domain"
)

// ErrLeaseHeld is returned when another owner holds an unexpired pass lease.
var ErrLeaseHeld = errors.New("pass lease held by another owner")

// AcquireLease takes the pass lease of sheet for owner. An expired lease is
// taken over; a live lease of the same owner is extended.
func (r Repo) AcquireLease(ctx context.Context, sheet, owner string, ttl time.Duration) (domain.Lease, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	current, err := getLease(ctx, tx, sheet)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return domain.Lease{}, err
	default:
		expires, perr := time.Parse(time.RFC3339, current.ExpiresAt)
		if perr != nil {
			return domain.Lease{}, fmt.Errorf("parse lease expiry: %w", perr)
		}
		if current.OwnerID != owner && now.Before(expires) {
			return current, fmt.Errorf("%w: %s until %s", ErrLeaseHeld, current.OwnerID, current.ExpiresAt)
		}
	}

	lease := domain.Lease{
		Sheet:      sheet,
		OwnerID:    owner,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO pass_leases(sheet,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(sheet) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.Sheet, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt); err != nil {
		return domain.Lease{}, err
	}
	return lease, tx.Commit()
}

// ReleaseLease drops the lease if owner still holds it.
func (r Repo) ReleaseLease(ctx context.Context, sheet, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM pass_leases WHERE sheet=? AND owner_id=?`, sheet, owner)
	return err
}

func (r Repo) GetLease(ctx context.Context, sheet string) (domain.Lease, error) {
	var l domain.Lease
	err := r.DB.QueryRowContext(ctx, `SELECT sheet,owner_id,acquired_at,expires_at FROM pass_leases WHERE sheet=?`, sheet).
		Scan(&l.Sheet, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func getLease(ctx context.Context, tx *sql.Tx, sheet string) (domain.Lease, error) {
	var l domain.Lease
	err := tx.QueryRowContext(ctx, `SELECT sheet,owner_id,acquired_at,expires_at FROM pass_leases WHERE sheet=?`, sheet).
		Scan(&l.Sheet, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}
