// Package memstore provides in-process implementations of the job store,
// work queue and lease store. They back single-process deployments
// (STORE_DRIVER=memory) and the pipeline tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"studio/internal/domain"
)

// JobStore keeps jobs in a map guarded by a mutex.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewJobStore creates an empty store. A nil clock uses time.Now.
func NewJobStore(now func() time.Time) *JobStore {
	if now == nil {
		now = time.Now
	}
	return &JobStore{jobs: make(map[string]*domain.Job), now: now}
}

func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("memstore: job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("memstore: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *JobStore) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	matched := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Matches(job) {
			matched = append(matched, job.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return []domain.Job{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]domain.Job, len(matched))
	for i, job := range matched {
		out[i] = *job
	}
	return out, nil
}

func (s *JobStore) Transition(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := t.Apply(job, s.now()); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (s *JobStore) UpdateProgress(ctx context.Context, id string, attempt, percent int, message string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusRunning || job.Attempt != attempt {
		return nil, domain.ErrStaleState
	}
	if job.Progress != nil && percent < *job.Progress {
		return nil, domain.ErrOutOfOrder
	}
	p := percent
	job.Progress = &p
	job.Message = message
	job.UpdatedAt = s.now()
	return job.Clone(), nil
}

var _ domain.JobStore = (*JobStore)(nil)
