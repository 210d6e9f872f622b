package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobStore on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("encode job input: %w", err)
	}
	_, err = r.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		string(job.Status),
		job.Progress,
		job.Message,
		input,
		job.Input.ModelID,
		job.Input.Source,
		job.Attempt,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJob, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// List returns a newest-first page of jobs matching filter.
func (r *JobRepositoryPG) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	filter = filter.Normalize()
	var updatedBefore any
	if !filter.UpdatedBefore.IsZero() {
		updatedBefore = filter.UpdatedBefore
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListJobs,
		string(filter.Status),
		filter.ModelID,
		filter.Source,
		updatedBefore,
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Job, 0, filter.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// Transition performs the conditional status write.
func (r *JobRepositoryPG) Transition(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	progressMode, progressValue := "keep", 0
	switch {
	case t.ClearProgress:
		progressMode = "clear"
	case t.Progress != nil:
		progressMode, progressValue = "set", *t.Progress
	}
	var output string
	if t.To == domain.JobStatusComplete {
		output = t.Output
	}
	var cause any
	if t.To == domain.JobStatusError && t.Error != nil {
		raw, err := json.Marshal(t.Error)
		if err != nil {
			return nil, fmt.Errorf("encode job error: %w", err)
		}
		cause = raw
	}
	increment := 0
	if t.NextAttempt {
		increment = 1
	}

	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QTransitionJob,
		id,
		string(t.From),
		t.Attempt,
		string(t.To),
		t.Message,
		progressMode,
		progressValue,
		output,
		cause,
		increment,
	))
	if err == nil {
		return job, nil
	}
	if !infra.IsNoRows(err) {
		return nil, fmt.Errorf("transition job: %w", err)
	}
	return nil, r.missReason(ctx, id)
}

// UpdateProgress writes progress for a running attempt.
func (r *JobRepositoryPG) UpdateProgress(ctx context.Context, id string, attempt, percent int, message string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QUpdateJobProgress, id, attempt, percent, message))
	if err == nil {
		return job, nil
	}
	if !infra.IsNoRows(err) {
		return nil, fmt.Errorf("update job progress: %w", err)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.JobStatusRunning || current.Attempt != attempt {
		return nil, domain.ErrStaleState
	}
	return nil, domain.ErrOutOfOrder
}

// missReason explains why a guarded write matched no row.
func (r *JobRepositoryPG) missReason(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrStaleState
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job      domain.Job
		status   string
		progress *int32
		input    []byte
		cause    []byte
		attempt  int32
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&progress,
		&job.Message,
		&input,
		&job.Output,
		&cause,
		&attempt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Attempt = int(attempt)
	if progress != nil {
		p := int(*progress)
		job.Progress = &p
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &job.Input); err != nil {
			return nil, fmt.Errorf("decode job input: %w", err)
		}
	}
	if len(cause) > 0 {
		var je domain.JobError
		if err := json.Unmarshal(cause, &je); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &je
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
