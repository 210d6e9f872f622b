// Package platform assembles the job pipeline from configuration. Both the
// API and the worker commands build on it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"studio/internal/adapter/memstore"
	"studio/internal/adapter/repo"
	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/events"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
	"studio/internal/jobs"
	"studio/internal/storage"
)

// Stack holds the wired components. Close releases the database pool.
type Stack struct {
	Config   *infra.Config
	Logger   infra.Logger
	Jobs     domain.JobStore
	Queue    domain.WorkQueue
	Leases   domain.LeaseStore
	Hub      *events.Hub
	Service  *jobs.Service
	Resolver *backend.Resolver
	Files    *storage.FileStore

	// publisher reaches every process: the local Hub, plus pg_notify when
	// running on Postgres.
	publisher events.Publisher
	pool      *pgxpool.Pool
}

// New connects the store selected by cfg.StoreDriver and builds the job
// service and backend resolver.
func New(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Stack, error) {
	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	files, err := storage.NewFileStore(storagePath)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		Config: cfg,
		Logger: logger,
		Hub:    events.NewHub(cfg.EventBuffer, logger),
		Files:  files,
	}
	apiKey := cfg.GPUServerAPIKey

	switch cfg.StoreDriver {
	case infra.StoreDriverMemory:
		s.Jobs = memstore.NewJobStore(time.Now)
		s.Queue = memstore.NewQueue(time.Now)
		s.Leases = memstore.NewLeases(time.Now)
		s.publisher = s.Hub
	default:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		runner := infra.NewSQLRunner(pool, logger)
		if cfg.AutoMigrate {
			if err := infra.EnsureSchema(ctx, runner); err != nil {
				pool.Close()
				return nil, err
			}
		}
		s.Jobs = repo.NewJobRepository(runner)
		s.Queue = repo.NewQueueRepository(runner)
		s.Leases = repo.NewLeaseRepository(runner)
		s.publisher = events.Fanout{s.Hub, events.NewNotifier(runner, logger)}

		key, err := credentials.NewStore(runner).GPUServerAPIKey(ctx, apiKey)
		if err != nil {
			logger.Warn().Err(err).Msg("platform: load gpu server api key")
		} else {
			apiKey = key
		}
	}

	candidates, err := backend.LoadCandidates(cfg.GPUServerURLs, apiKey, cfg.BackendsFile)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load backends: %w", err)
	}
	if len(candidates) == 0 {
		logger.Warn().Bool("local_fallback", cfg.LocalFallback).Msg("platform: no GPU server configured")
	}
	s.Resolver = backend.NewResolver(backend.ResolverOptions{
		Candidates:      candidates,
		ProbeTimeout:    cfg.BackendProbeTimeout,
		HealthTTL:       cfg.BackendHealthTTL,
		LocalFallback:   cfg.LocalFallback,
		Local:           backend.NewLocalSubstitute(logger),
		GenerateTimeout: cfg.GPUServerTimeout,
		Logger:          logger,
	})
	s.Service = jobs.NewService(jobs.ServiceOptions{
		Jobs:      s.Jobs,
		Queue:     s.Queue,
		Leases:    s.Leases,
		Publisher: s.publisher,
		Hub:       s.Hub,
		Local:     s.Hub,
		Resync:    cfg.EventResyncInterval,
		Logger:    logger,
	})
	return s, nil
}

// RunWorker probes backends and dispatches queued jobs until ctx is done.
func (s *Stack) RunWorker(ctx context.Context) error {
	holder := WorkerID()
	logger := s.Logger.With().Str("worker", holder).Logger()
	executor := jobs.NewExecutor(jobs.ExecutorOptions{
		Jobs:       s.Jobs,
		Leases:     s.Leases,
		Storage:    s.Files,
		Resolver:   s.Resolver,
		Publisher:  s.publisher,
		Holder:     holder,
		LeaseTTL:   s.Config.LeaseTTL,
		CancelPoll: time.Second,
		Logger:     logger,
	})
	dispatcher := jobs.NewDispatcher(jobs.DispatcherOptions{
		Queue:        s.Queue,
		Jobs:         s.Jobs,
		Leases:       s.Leases,
		Runner:       executor,
		Publisher:    s.publisher,
		Concurrency:  s.Config.WorkerConcurrency,
		PollInterval: s.Config.WorkerPollInterval,
		Visibility:   2 * s.Config.LeaseTTL,
		SweepEvery:   s.Config.OrphanSweepEvery,
		Logger:       logger,
	})

	go s.Resolver.Run(ctx, s.Config.BackendProbeEvery)
	logger.Info().Int("concurrency", s.Config.WorkerConcurrency).Msg("worker: started")
	err := dispatcher.Run(ctx)
	logger.Info().Msg("worker: stopped")
	return err
}

// RunRelay forwards job events published by other processes into the local
// Hub. It returns immediately on the memory driver.
func (s *Stack) RunRelay(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	relay := events.NewRelay(s.Config.DatabaseURL, s.Hub, s.Logger)
	relay.OnReconnect = func() {
		s.Logger.Info().Int("topics", s.Hub.Topics()).Msg("platform: relay reconnected, watchers resync from the store")
	}
	err := relay.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Stack) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WorkerID names this process in the lease table.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
