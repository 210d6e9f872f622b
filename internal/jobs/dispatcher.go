package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/events"
)

// Runner executes one job id.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Queue       domain.WorkQueue
	Jobs        domain.JobStore
	Leases      domain.LeaseStore
	Runner      Runner
	Publisher   events.Publisher
	Concurrency int
	// PollInterval is the pause between claims when the queue is empty or
	// every slot is busy.
	PollInterval time.Duration
	// Visibility hides a claimed item from other workers.
	Visibility time.Duration
	SweepEvery time.Duration
	// StaleQueued is how long a queued job may sit without a queue item
	// before the sweep enqueues it again.
	StaleQueued time.Duration
	Logger      zerolog.Logger
}

// Dispatcher claims queued work and runs at most Concurrency executors at a
// time. It also recovers jobs left behind by dead workers.
type Dispatcher struct {
	queue        domain.WorkQueue
	jobs         domain.JobStore
	leases       domain.LeaseStore
	runner       Runner
	publisher    events.Publisher
	slots        chan struct{}
	pollInterval time.Duration
	visibility   time.Duration
	sweepEvery   time.Duration
	staleQueued  time.Duration
	logger       zerolog.Logger
	now          func() time.Time
	wg           sync.WaitGroup
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = time.Minute
	}
	stale := opts.StaleQueued
	if stale <= 0 {
		stale = visibility
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.Fanout(nil)
	}
	return &Dispatcher{
		queue:        opts.Queue,
		jobs:         opts.Jobs,
		leases:       opts.Leases,
		runner:       opts.Runner,
		publisher:    pub,
		slots:        make(chan struct{}, concurrency),
		pollInterval: poll,
		visibility:   visibility,
		sweepEvery:   opts.SweepEvery,
		staleQueued:  stale,
		logger:       opts.Logger,
		now:          time.Now,
	}
}

// Run claims and executes work until ctx is done, then waits for running
// executors to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()

	if err := d.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn().Err(err).Msg("dispatcher: startup sweep")
	}
	var sweep <-chan time.Time
	if d.sweepEvery > 0 {
		ticker := time.NewTicker(d.sweepEvery)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		claimed := d.claim(ctx)
		wait := d.pollInterval
		if claimed > 0 && d.free() > 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sweep:
			if err := d.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn().Err(err).Msg("dispatcher: orphan sweep")
			}
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) free() int {
	return cap(d.slots) - len(d.slots)
}

// claim takes as many items as there are free slots and starts them.
func (d *Dispatcher) claim(ctx context.Context) int {
	free := d.free()
	if free == 0 || ctx.Err() != nil {
		return 0
	}
	items, err := d.queue.Claim(ctx, free, d.visibility)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("dispatcher: claim work")
		}
		return 0
	}
	for _, item := range items {
		d.slots <- struct{}{}
		d.wg.Add(1)
		go d.execute(ctx, item)
	}
	return len(items)
}

func (d *Dispatcher) execute(ctx context.Context, item domain.WorkItem) {
	defer d.wg.Done()
	defer func() { <-d.slots }()

	// on error the item stays hidden until visibility lapses, then is claimed again
	if err := d.runner.Run(ctx, item.JobID); err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			d.logger.Debug().Str("job_id", item.JobID).Msg("dispatcher: job leased elsewhere")
			return
		}
		d.logger.Error().Err(err).Str("job_id", item.JobID).Msg("dispatcher: run job")
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.queue.Ack(actx, item); err != nil {
		d.logger.Warn().Err(err).Str("job_id", item.JobID).Msg("dispatcher: ack work")
	}
}

// RecoverOrphans fails running jobs whose lease is gone and re-enqueues
// queued jobs that lost their queue item.
func (d *Dispatcher) RecoverOrphans(ctx context.Context) error {
	now := d.now()
	var errs []error

	running, err := d.listAll(ctx, domain.JobFilter{Status: domain.JobStatusRunning})
	if err != nil {
		return err
	}
	for i := range running {
		job := &running[i]
		lease, ok, err := d.leases.Get(ctx, job.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok && lease.Live(now) {
			continue
		}
		updated, err := d.jobs.Transition(ctx, job.ID, domain.Interrupt(job.Attempt))
		if errors.Is(err, domain.ErrStaleState) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.logger.Warn().Str("job_id", job.ID).Int("attempt", job.Attempt).Msg("dispatcher: interrupted orphaned job")
		d.publisher.Publish(ctx, events.FromJob(updated))
	}

	queued, err := d.listAll(ctx, domain.JobFilter{Status: domain.JobStatusQueued, UpdatedBefore: now.Add(-d.staleQueued)})
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, job := range queued {
		pending, err := d.queue.Pending(ctx, job.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pending {
			continue
		}
		if err := d.queue.Enqueue(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		d.logger.Info().Str("job_id", job.ID).Msg("dispatcher: re-enqueued stranded job")
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) listAll(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	filter.Limit = domain.MaxListLimit
	var out []domain.Job
	for {
		page, err := d.jobs.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		filter.Offset += len(page)
	}
}
