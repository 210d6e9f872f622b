package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/events"
)

// Subscriber registers for a job's messages. *events.Hub implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string, snapshot events.SnapshotFunc) (<-chan events.Message, error)
}

// ServiceOptions wires a Service.
type ServiceOptions struct {
	Jobs      domain.JobStore
	Queue     domain.WorkQueue
	Leases    domain.LeaseStore
	Publisher events.Publisher
	Hub       Subscriber
	// Local receives messages re-read from the store during Watch. It is
	// the process Hub; cross-process publishers are not involved.
	Local events.Publisher
	// Resync is how often Watch re-reads the stored record to cover
	// messages lost between processes.
	Resync time.Duration
	Logger zerolog.Logger
}

// Service is the request-facing job API shared by the HTTP and WebSocket
// handlers.
type Service struct {
	jobs      domain.JobStore
	queue     domain.WorkQueue
	leases    domain.LeaseStore
	publisher events.Publisher
	hub       Subscriber
	local     events.Publisher
	resync    time.Duration
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

func NewService(opts ServiceOptions) *Service {
	pub := opts.Publisher
	if pub == nil {
		pub = events.Fanout(nil)
	}
	local := opts.Local
	if local == nil {
		if p, ok := opts.Hub.(events.Publisher); ok {
			local = p
		} else {
			local = events.Fanout(nil)
		}
	}
	resync := opts.Resync
	if resync <= 0 {
		resync = 5 * time.Second
	}
	return &Service{
		jobs:      opts.Jobs,
		queue:     opts.Queue,
		leases:    opts.Leases,
		publisher: pub,
		hub:       opts.Hub,
		local:     local,
		resync:    resync,
		logger:    opts.Logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create validates input, stores a queued job and enqueues it.
func (s *Service) Create(ctx context.Context, input domain.JobInput) (*domain.Job, error) {
	input, err := domain.NormalizeInput(input)
	if err != nil {
		return nil, err
	}
	job := domain.NewJob(s.newID(), input, s.now().UTC())
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// the orphan sweep re-enqueues stranded queued jobs
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: enqueue failed")
	}
	s.logger.Info().Str("job_id", job.ID).Str("model_id", input.ModelID).Int("references", len(input.ReferenceIDs)).Msg("jobs: created")
	s.publisher.Publish(ctx, events.FromJob(job))
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	return s.jobs.List(ctx, filter.Normalize())
}

// Cancel stops a queued or running job. Cancelling an already cancelled job
// returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	for range 3 {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == domain.JobStatusCancelled {
			return job, nil
		}
		if !job.Status.Cancellable() {
			return nil, fmt.Errorf("%w: cannot cancel a %s job", domain.ErrInvalidState, job.Status)
		}
		updated, err := s.jobs.Transition(ctx, id, domain.Cancel(job.Status))
		if errors.Is(err, domain.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status == domain.JobStatusRunning {
			if _, err := s.leases.RequestCancel(ctx, id); err != nil {
				// the executor also notices the status change on its next write
				s.logger.Warn().Err(err).Str("job_id", id).Msg("jobs: flag lease cancel")
			}
		}
		s.logger.Info().Str("job_id", id).Str("from", string(job.Status)).Msg("jobs: cancelled")
		s.publisher.Publish(ctx, events.FromJob(updated))
		return updated, nil
	}
	return nil, domain.ErrStaleState
}

// Retry requeues an errored or cancelled job as a new attempt.
func (s *Service) Retry(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Retryable() {
		return nil, fmt.Errorf("%w: cannot retry a %s job", domain.ErrInvalidState, job.Status)
	}
	updated, err := s.jobs.Transition(ctx, id, domain.Requeue(job.Status))
	if errors.Is(err, domain.ErrStaleState) {
		return nil, fmt.Errorf("%w: job changed during retry", domain.ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("jobs: enqueue retry failed")
	}
	s.logger.Info().Str("job_id", id).Int("attempt", updated.Attempt).Msg("jobs: retried")
	s.publisher.Publish(ctx, events.FromJob(updated))
	return updated, nil
}

// Watch streams messages for id, starting with its stored state, until a
// terminal message or ctx ends. The stored record is re-read periodically
// so a message lost in transit cannot leave the stream hanging.
func (s *Service) Watch(ctx context.Context, id string) (<-chan events.Message, error) {
	snapshot := func(ctx context.Context) (events.Message, error) {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return events.Message{}, err
		}
		return events.FromJob(job), nil
	}
	ctx, cancel := context.WithCancel(ctx)
	in, err := s.hub.Subscribe(ctx, id, snapshot)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan events.Message)
	go func() {
		defer cancel()
		defer close(out)
		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				if msg, err := snapshot(ctx); err == nil {
					s.local.Publish(ctx, msg)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
