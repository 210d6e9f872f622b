package jobs

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/events"
	"studio/internal/storage"
)

// Storage reads reference images and persists generated outputs.
type Storage interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Resolver picks the backend for one job.
type Resolver interface {
	Resolve(ctx context.Context) (backend.Selection, error)
}

// ExecutorOptions wires an Executor.
type ExecutorOptions struct {
	Jobs      domain.JobStore
	Leases    domain.LeaseStore
	Storage   Storage
	Resolver  Resolver
	Publisher events.Publisher
	// Holder identifies this worker in the lease table.
	Holder   string
	LeaseTTL time.Duration
	// CancelPoll bounds how long a cancel request goes unnoticed.
	CancelPoll time.Duration
	Logger     zerolog.Logger
}

// Executor drives a single job from queued to a terminal state.
type Executor struct {
	jobs       domain.JobStore
	leases     domain.LeaseStore
	storage    Storage
	resolver   Resolver
	publisher  events.Publisher
	holder     string
	leaseTTL   time.Duration
	cancelPoll time.Duration
	logger     zerolog.Logger
}

func NewExecutor(opts ExecutorOptions) *Executor {
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	poll := opts.CancelPoll
	if poll <= 0 || poll > ttl/3 {
		poll = ttl / 3
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.Fanout(nil)
	}
	return &Executor{
		jobs:       opts.Jobs,
		leases:     opts.Leases,
		storage:    opts.Storage,
		resolver:   opts.Resolver,
		publisher:  pub,
		holder:     opts.Holder,
		leaseTTL:   ttl,
		cancelPoll: poll,
		logger:     opts.Logger,
	}
}

type abortReason int

const (
	abortCancelled abortReason = iota + 1
	abortLeaseLost
)

// Run executes jobID. Job failures end in a terminal record and are not
// returned; only errors that prevented an attempt are, including
// domain.ErrAlreadyRunning when another holder has the lease.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	log := e.logger.With().Str("job_id", jobID).Logger()

	lease, err := e.leases.Acquire(ctx, jobID, e.holder, e.leaseTTL)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.leases.Release(rctx, lease); err != nil {
			log.Warn().Err(err).Msg("executor: release lease")
		}
	}()

	job, err := e.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("executor: queue item for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != domain.JobStatusQueued {
		log.Debug().Str("status", string(job.Status)).Msg("executor: skip stale queue item")
		return nil
	}

	job, err = e.jobs.Transition(ctx, jobID, domain.Start(job.Attempt))
	if errors.Is(err, domain.ErrStaleState) {
		log.Debug().Msg("executor: job moved on before start")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	e.publisher.Publish(ctx, events.FromJob(job))

	x := &execution{
		e:       e,
		job:     job,
		lease:   lease,
		log:     log.With().Int("attempt", job.Attempt).Logger(),
		abort:   make(chan abortReason, 1),
		started: time.Now(),
	}
	x.execute(ctx)
	return nil
}

// execution is the state of one running attempt.
type execution struct {
	e       *Executor
	job     *domain.Job
	lease   domain.Lease
	log     zerolog.Logger
	abort   chan abortReason
	started time.Time

	mu      sync.Mutex
	last    int
	stopped bool
	ctx     context.Context
}

type result struct {
	artifact backend.Artifact
	err      error
}

func (x *execution) execute(ctx context.Context) {
	x.ctx = ctx
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go x.watch(watchCtx)

	x.emit(5, "loading references")
	refs, err := x.loadReferences(ctx)
	if err != nil {
		if x.interrupted(ctx) {
			return
		}
		x.fail(domain.ErrorKindBackendFailure, err.Error())
		return
	}

	x.emit(25, "checking GPU server")
	sel, err := x.e.resolver.Resolve(ctx)
	if err != nil {
		if x.interrupted(ctx) {
			return
		}
		x.fail(classify(err), err.Error())
		return
	}
	req := backend.Request{
		JobID:      x.job.ID,
		Prompt:     x.job.Input.Prompt,
		References: refs,
		Params:     x.job.Input.Params,
	}
	if sel.Remote {
		x.emit(35, "calling GPU server "+sel.Candidate.Name)
	} else {
		req.Note = sel.Note()
		if req.Note != "" {
			x.emit(30, fmt.Sprintf("GPU server unavailable (%s); using local substitute", req.Note))
		}
	}

	select {
	case reason := <-x.abort:
		x.aborted(reason)
		return
	default:
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	done := make(chan result, 1)
	go func() {
		art, err := sel.Backend.Generate(runCtx, req, x.emit)
		done <- result{artifact: art, err: err}
	}()

	select {
	case res := <-done:
		select {
		case reason := <-x.abort:
			x.aborted(reason)
			return
		default:
		}
		if res.err != nil {
			if x.interrupted(ctx) {
				return
			}
			x.fail(classify(res.err), res.err.Error())
			return
		}
		x.complete(res.artifact)
	case reason := <-x.abort:
		// the backend goroutine sees runCtx cancelled; its result is dropped
		cancelRun()
		x.aborted(reason)
	case <-ctx.Done():
		cancelRun()
		x.interrupted(ctx)
	}
}

// watch renews the lease and turns a cancel flag or a lost lease into an
// abort signal.
func (x *execution) watch(ctx context.Context) {
	ticker := time.NewTicker(x.e.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lease, err := x.e.leases.Renew(ctx, x.lease, x.e.leaseTTL)
		switch {
		case errors.Is(err, domain.ErrLeaseLost):
			x.signal(abortLeaseLost)
			return
		case err != nil:
			if ctx.Err() == nil {
				x.log.Warn().Err(err).Msg("executor: renew lease")
			}
			continue
		case lease.CancelRequested:
			x.signal(abortCancelled)
			return
		}
		if job, err := x.e.jobs.Get(ctx, x.job.ID); err == nil && (job.Status != domain.JobStatusRunning || job.Attempt != x.job.Attempt) {
			x.signal(abortCancelled)
			return
		}
	}
}

func (x *execution) signal(reason abortReason) {
	select {
	case x.abort <- reason:
	default:
	}
}

// emit relays one backend progress update. Updates below the last accepted
// percent, and anything after the attempt stopped, are dropped.
func (x *execution) emit(percent int, message string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped || percent < x.last {
		return
	}
	job, err := x.e.jobs.UpdateProgress(x.ctx, x.job.ID, x.job.Attempt, percent, message)
	switch {
	case errors.Is(err, domain.ErrStaleState):
		x.signal(abortCancelled)
		return
	case errors.Is(err, domain.ErrOutOfOrder):
		return
	case err != nil:
		x.log.Warn().Err(err).Int("progress", percent).Msg("executor: write progress")
		return
	}
	x.last = percent
	x.e.publisher.Publish(x.ctx, events.FromJob(job))
}

func (x *execution) stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stopped = true
}

func (x *execution) loadReferences(ctx context.Context) ([]backend.Reference, error) {
	refs := make([]backend.Reference, 0, len(x.job.Input.ReferenceIDs))
	for _, id := range x.job.Input.ReferenceIDs {
		data, err := x.e.storage.Read(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load reference %s: %w", id, err)
		}
		refs = append(refs, backend.Reference{
			Name:        path.Base(id),
			Data:        data,
			ContentType: mime.TypeByExtension(path.Ext(id)),
		})
	}
	return refs, nil
}

// writeCtx keeps terminal writes alive while the worker shuts down.
func (x *execution) writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(x.ctx), 10*time.Second)
}

func (x *execution) complete(art backend.Artifact) {
	x.stop()
	ctx, cancel := x.writeCtx()
	defer cancel()

	key, err := x.e.storage.Write(ctx, fmt.Sprintf("outputs/gen-%s.%s", strings.ReplaceAll(uuid.NewString(), "-", ""), art.Extension()), art.Data)
	if err != nil {
		x.finish(ctx, domain.Fail(x.job.Attempt, &domain.JobError{Kind: domain.ErrorKindBackendFailure, Message: "save output: " + err.Error()}))
		return
	}
	x.finish(ctx, domain.Complete(x.job.Attempt, storage.PublicPath(key)))
}

func (x *execution) fail(kind domain.ErrorKind, message string) {
	x.stop()
	ctx, cancel := x.writeCtx()
	defer cancel()
	x.finish(ctx, domain.Fail(x.job.Attempt, &domain.JobError{Kind: kind, Message: message}))
}

// aborted stops relaying and makes sure a cancelled job reads as cancelled.
func (x *execution) aborted(reason abortReason) {
	x.stop()
	if reason == abortLeaseLost {
		x.log.Warn().Msg("executor: lease lost, abandoning attempt")
		return
	}
	ctx, cancel := x.writeCtx()
	defer cancel()
	t := domain.Cancel(domain.JobStatusRunning)
	t.Attempt = x.job.Attempt
	x.finish(ctx, t)
}

// interrupted records a shutdown mid-attempt. It reports whether ctx ended.
func (x *execution) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	x.stop()
	wctx, cancel := x.writeCtx()
	defer cancel()
	x.finish(wctx, domain.Interrupt(x.job.Attempt))
	return true
}

// finish performs the terminal write and publishes the resulting record. A
// rejected write means someone else already decided the outcome; the stored
// record is published instead so every subscriber still sees it.
func (x *execution) finish(ctx context.Context, t domain.Transition) {
	job, err := x.e.jobs.Transition(ctx, x.job.ID, t)
	if errors.Is(err, domain.ErrStaleState) {
		current, gerr := x.e.jobs.Get(ctx, x.job.ID)
		if gerr != nil {
			x.log.Warn().Err(gerr).Msg("executor: reload after rejected write")
			return
		}
		x.log.Info().Str("wanted", string(t.To)).Str("status", string(current.Status)).Msg("executor: discard late outcome")
		if current.Attempt == x.job.Attempt && current.Status.Terminal() {
			x.e.publisher.Publish(ctx, events.FromJob(current))
		}
		return
	}
	if err != nil {
		x.log.Error().Err(err).Str("wanted", string(t.To)).Msg("executor: terminal write failed")
		return
	}
	x.log.Info().Str("status", string(job.Status)).Dur("elapsed", time.Since(x.started)).Msg("executor: job finished")
	x.e.publisher.Publish(ctx, events.FromJob(job))
}

func classify(err error) domain.ErrorKind {
	if errors.Is(err, domain.ErrBackendUnavailable) {
		return domain.ErrorKindBackendUnavailable
	}
	return domain.ErrorKindBackendFailure
}
