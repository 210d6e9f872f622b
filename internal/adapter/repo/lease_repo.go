package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// LeaseRepositoryPG keeps processing leases in the job_leases table so the
// API and worker processes agree on who owns a job.
type LeaseRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewLeaseRepository(sql infra.SQLExecutor) *LeaseRepositoryPG {
	return &LeaseRepositoryPG{sql: sql}
}

func (r *LeaseRepositoryPG) Acquire(ctx context.Context, jobID, holder string, ttl time.Duration) (domain.Lease, error) {
	lease, err := scanLease(r.sql.QueryRow(ctx, sqlinline.QAcquireLease, jobID, holder, ttl.Milliseconds()))
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.Lease{}, domain.ErrAlreadyRunning
		}
		return domain.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	return lease, nil
}

func (r *LeaseRepositoryPG) Renew(ctx context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error) {
	renewed, err := scanLease(r.sql.QueryRow(ctx, sqlinline.QRenewLease, lease.JobID, lease.Holder, ttl.Milliseconds()))
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.Lease{}, domain.ErrLeaseLost
		}
		return domain.Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	return renewed, nil
}

func (r *LeaseRepositoryPG) Release(ctx context.Context, lease domain.Lease) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QReleaseLease, lease.JobID, lease.Holder); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (r *LeaseRepositoryPG) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QRequestLeaseCancel, jobID)
	if err != nil {
		return false, fmt.Errorf("flag lease cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *LeaseRepositoryPG) Get(ctx context.Context, jobID string) (domain.Lease, bool, error) {
	lease, err := scanLease(r.sql.QueryRow(ctx, sqlinline.QSelectLease, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.Lease{}, false, nil
		}
		return domain.Lease{}, false, fmt.Errorf("select lease: %w", err)
	}
	return lease, true, nil
}

func scanLease(row pgx.Row) (domain.Lease, error) {
	var lease domain.Lease
	if err := row.Scan(&lease.JobID, &lease.Holder, &lease.ExpiresAt, &lease.CancelRequested); err != nil {
		return domain.Lease{}, err
	}
	lease.ExpiresAt = lease.ExpiresAt.UTC()
	return lease, nil
}

var _ domain.LeaseStore = (*LeaseRepositoryPG)(nil)
