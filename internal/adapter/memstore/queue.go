package memstore

import (
	"context"
	"sync"
	"time"

	"studio/internal/domain"
)

type queueEntry struct {
	item domain.WorkItem
}

// Queue is a FIFO visibility-timeout queue.
type Queue struct {
	mu      sync.Mutex
	nextID  int64
	entries []*queueEntry
	now     func() time.Time
}

func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{now: now}
}

func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.entries = append(q.entries, &queueEntry{item: domain.WorkItem{ID: q.nextID, JobID: jobID}})
	return nil
}

func (q *Queue) Claim(ctx context.Context, max int, visibility time.Duration) ([]domain.WorkItem, error) {
	if max <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []domain.WorkItem
	for _, e := range q.entries {
		if len(out) == max {
			break
		}
		if e.item.ClaimedUntil.After(now) {
			continue
		}
		e.item.ClaimedUntil = now.Add(visibility)
		out = append(out, e.item)
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, item domain.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.item.ID == item.ID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *Queue) Pending(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.item.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of unacked entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

var _ domain.WorkQueue = (*Queue)(nil)
