package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"studio/internal/domain"
)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Candidates    []Candidate
	ProbeTimeout  time.Duration
	HealthTTL     time.Duration
	LocalFallback bool
	Local         Backend
	HTTPClient    *http.Client
	// GenerateTimeout bounds each remote generate call.
	GenerateTimeout time.Duration
	RetryBackoff    time.Duration
	Logger          zerolog.Logger
}

// Selection is the backend chosen for one job.
type Selection struct {
	Backend   Backend
	Candidate Candidate
	Remote    bool
	// Reasons lists why remote candidates were passed over.
	Reasons []string
}

// Note summarizes the skip reasons for job messages.
func (s Selection) Note() string {
	return strings.Join(s.Reasons, "; ")
}

type entry struct {
	candidate Candidate
	client    *RemoteClient
}

// Resolver picks the first healthy candidate in priority order. Health is
// cached for HealthTTL; stale entries are probed synchronously.
type Resolver struct {
	mu      sync.Mutex
	entries []*entry

	probeTimeout  time.Duration
	healthTTL     time.Duration
	localFallback bool
	local         Backend
	logger        zerolog.Logger
	now           func() time.Time
	probes        singleflight.Group
}

func NewResolver(opts ResolverOptions) *Resolver {
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	r := &Resolver{
		probeTimeout:  probeTimeout,
		healthTTL:     opts.HealthTTL,
		localFallback: opts.LocalFallback,
		local:         opts.Local,
		logger:        opts.Logger,
		now:           time.Now,
	}
	logger := opts.Logger
	for _, c := range opts.Candidates {
		if c.Health == "" {
			c.Health = HealthUnknown
		}
		r.entries = append(r.entries, &entry{
			candidate: c,
			client: NewRemoteClient(RemoteOptions{
				Name:         c.Name,
				Address:      c.Address,
				APIKey:       c.APIKey,
				HTTPClient:   opts.HTTPClient,
				Timeout:      opts.GenerateTimeout,
				RetryBackoff: opts.RetryBackoff,
				Logger:       &logger,
			}),
		})
	}
	return r
}

// Resolve returns the backend to run a job on. With no healthy candidate it
// returns the local substitute when fallback is enabled, otherwise an error
// wrapping domain.ErrBackendUnavailable.
func (r *Resolver) Resolve(ctx context.Context) (Selection, error) {
	var reasons []string
	if len(r.entries) == 0 {
		reasons = append(reasons, "no GPU server configured")
	}
	for _, e := range r.entries {
		c := r.snapshot(e)
		if !r.fresh(c) {
			c = r.probe(ctx, e)
		}
		if c.Health == HealthHealthy {
			return Selection{Backend: e.client, Candidate: c, Remote: true, Reasons: reasons}, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", c.Name, c.Reason))
	}
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}
	if r.localFallback && r.local != nil {
		return Selection{Backend: r.local, Reasons: reasons}, nil
	}
	return Selection{Reasons: reasons}, fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, strings.Join(reasons, "; "))
}

// ProbeAll refreshes every candidate concurrently.
func (r *Resolver) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	for _, e := range r.entries {
		g.Go(func() error {
			r.probe(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

// Run probes all candidates every interval until ctx is done.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if len(r.entries) == 0 || interval <= 0 {
		return
	}
	r.ProbeAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// Candidates returns the current health of every candidate in priority order.
func (r *Resolver) Candidates() []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Candidate, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.candidate
	}
	return out
}

func (r *Resolver) snapshot(e *entry) Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.candidate
}

func (r *Resolver) fresh(c Candidate) bool {
	if c.Health == HealthUnknown || c.CheckedAt.IsZero() {
		return false
	}
	return r.now().Sub(c.CheckedAt) < r.healthTTL
}

// probe checks one candidate. Concurrent probes of the same candidate share
// a single request.
func (r *Resolver) probe(ctx context.Context, e *entry) Candidate {
	v, _, _ := r.probes.Do(e.candidate.Name, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.probeTimeout)
		defer cancel()
		err := e.client.Health(pctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		prev := e.candidate.Health
		e.candidate.CheckedAt = r.now()
		if err != nil {
			e.candidate.Health = HealthUnhealthy
			e.candidate.Reason = err.Error()
			r.logger.Warn().Err(err).Str("backend", e.candidate.Name).Msg("backend: probe failed")
		} else {
			e.candidate.Health = HealthHealthy
			e.candidate.Reason = ""
			if prev != HealthHealthy {
				r.logger.Info().Str("backend", e.candidate.Name).Msg("backend: healthy")
			}
		}
		return e.candidate, nil
	})
	return v.(Candidate)
}
