package memstore

import (
	"context"
	"sync"
	"time"

	"studio/internal/domain"
)

// Leases is an in-process lease table.
type Leases struct {
	mu     sync.Mutex
	leases map[string]domain.Lease
	now    func() time.Time
}

func NewLeases(now func() time.Time) *Leases {
	if now == nil {
		now = time.Now
	}
	return &Leases{leases: make(map[string]domain.Lease), now: now}
}

func (l *Leases) Acquire(ctx context.Context, jobID, holder string, ttl time.Duration) (domain.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[jobID]; ok && cur.Live(now) {
		return domain.Lease{}, domain.ErrAlreadyRunning
	}
	lease := domain.Lease{JobID: jobID, Holder: holder, ExpiresAt: now.Add(ttl)}
	l.leases[jobID] = lease
	return lease, nil
}

func (l *Leases) Renew(ctx context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[lease.JobID]
	if !ok || cur.Holder != lease.Holder || !cur.Live(now) {
		return domain.Lease{}, domain.ErrLeaseLost
	}
	cur.ExpiresAt = now.Add(ttl)
	l.leases[lease.JobID] = cur
	return cur, nil
}

func (l *Leases) Release(ctx context.Context, lease domain.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[lease.JobID]; ok && cur.Holder == lease.Holder {
		delete(l.leases, lease.JobID)
	}
	return nil
}

func (l *Leases) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[jobID]
	if !ok || !cur.Live(l.now()) {
		return false, nil
	}
	cur.CancelRequested = true
	l.leases[jobID] = cur
	return true, nil
}

func (l *Leases) Get(ctx context.Context, jobID string) (domain.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[jobID]
	return cur, ok, nil
}

var _ domain.LeaseStore = (*Leases)(nil)
