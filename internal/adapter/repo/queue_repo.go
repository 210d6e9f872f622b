package repo

import (
	"context"
	"fmt"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// QueueRepositoryPG is a visibility-timeout work queue claimed with
// FOR UPDATE SKIP LOCKED so several workers can poll concurrently.
type QueueRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewQueueRepository(sql infra.SQLExecutor) *QueueRepositoryPG {
	return &QueueRepositoryPG{sql: sql}
}

func (r *QueueRepositoryPG) Enqueue(ctx context.Context, jobID string) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QEnqueueJob, jobID); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (r *QueueRepositoryPG) Claim(ctx context.Context, max int, visibility time.Duration) ([]domain.WorkItem, error) {
	if max <= 0 {
		return nil, nil
	}
	rows, err := r.sql.Query(ctx, sqlinline.QClaimQueueItems, max, visibility.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		var item domain.WorkItem
		if err := rows.Scan(&item.ID, &item.JobID, &item.ClaimedUntil); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *QueueRepositoryPG) Ack(ctx context.Context, item domain.WorkItem) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QAckQueueItem, item.ID); err != nil {
		return fmt.Errorf("ack queue item: %w", err)
	}
	return nil
}

func (r *QueueRepositoryPG) Pending(ctx context.Context, jobID string) (bool, error) {
	var pending bool
	if err := r.sql.QueryRow(ctx, sqlinline.QQueuePending, jobID).Scan(&pending); err != nil {
		return false, fmt.Errorf("check queue: %w", err)
	}
	return pending, nil
}

var _ domain.WorkQueue = (*QueueRepositoryPG)(nil)
