package domain

import (
	"context"
	"time"
)

// JobStore is the single source of truth for job state. Every status write
// is conditional on the expected prior state.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	// Transition applies t atomically. It returns ErrNotFound for unknown ids
	// and ErrStaleState when the guard does not hold.
	Transition(ctx context.Context, id string, t Transition) (*Job, error)
	// UpdateProgress writes percent and message for a running attempt. It
	// returns ErrStaleState when the attempt is no longer running and
	// ErrOutOfOrder when percent is below the stored value.
	UpdateProgress(ctx context.Context, id string, attempt, percent int, message string) (*Job, error)
}

// WorkItem is one claimed queue entry.
type WorkItem struct {
	ID           int64
	JobID        string
	ClaimedUntil time.Time
}

// WorkQueue carries job ids from the gateway to the dispatcher. Claimed items
// stay invisible until ClaimedUntil and reappear unless acked.
type WorkQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Claim(ctx context.Context, max int, visibility time.Duration) ([]WorkItem, error)
	Ack(ctx context.Context, item WorkItem) error
	Pending(ctx context.Context, jobID string) (bool, error)
}

// Lease is an exclusive, time-bounded claim on a job id.
type Lease struct {
	JobID           string
	Holder          string
	ExpiresAt       time.Time
	CancelRequested bool
}

// Live reports whether the lease still excludes other holders at now.
func (l Lease) Live(now time.Time) bool {
	return l.Holder != "" && now.Before(l.ExpiresAt)
}

// LeaseStore keeps processing leases where every process can see them.
type LeaseStore interface {
	// Acquire fails with ErrAlreadyRunning when a live lease exists.
	Acquire(ctx context.Context, jobID, holder string, ttl time.Duration) (Lease, error)
	// Renew extends a held lease and reports its cancel flag. It fails with
	// ErrLeaseLost when the lease is gone or owned by another holder.
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
	// RequestCancel flags the job's lease, if any, for cooperative cancel.
	RequestCancel(ctx context.Context, jobID string) (bool, error)
	Get(ctx context.Context, jobID string) (Lease, bool, error)
}
