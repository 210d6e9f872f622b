package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type call struct {
	marker string
	args   []any
}

// stubExec answers QueryRow calls from per-marker queues. An exhausted queue
// behaves like no matching row.
type stubExec struct {
	mu    sync.Mutex
	rows  map[string][]func(dest ...any) error
	tags  map[string]pgconn.CommandTag
	calls []call
}

func newStubExec() *stubExec {
	return &stubExec{rows: map[string][]func(dest ...any) error{}, tags: map[string]pgconn.CommandTag{}}
}

func (s *stubExec) on(query string, scan func(dest ...any) error) {
	marker := mustMarker(query)
	s.rows[marker] = append(s.rows[marker], scan)
}

func (s *stubExec) record(query string, args []any) string {
	marker := mustMarker(query)
	s.calls = append(s.calls, call{marker: marker, args: args})
	return marker
}

func (s *stubExec) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker := s.record(query, args)
	return s.tags[marker], nil
}

func (s *stubExec) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker := s.record(query, args)
	queue := s.rows[marker]
	if len(queue) == 0 {
		return stubRow{}
	}
	s.rows[marker] = queue[1:]
	return stubRow{scan: queue[0]}
}

func (s *stubExec) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("query not supported: %s", strings.TrimSpace(query))
}

func (s *stubExec) lastArgs(query string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker := mustMarker(query)
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].marker == marker {
			return s.calls[i].args
		}
	}
	return nil
}

func mustMarker(query string) string {
	marker, _, err := infra.ExtractMarker(query)
	if err != nil {
		panic(err)
	}
	return marker
}

func jobRow(id string, status domain.JobStatus, attempt int32) func(dest ...any) error {
	return func(dest ...any) error {
		if len(dest) != 10 {
			return fmt.Errorf("unexpected scan width %d", len(dest))
		}
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		*dest[0].(*string) = id
		*dest[1].(*string) = string(status)
		*dest[2].(**int32) = nil
		*dest[3].(*string) = string(status)
		*dest[4].(*[]byte) = []byte(`{"prompt":"a cat","model_id":"m1"}`)
		*dest[5].(*string) = ""
		*dest[6].(*[]byte) = nil
		*dest[7].(*int32) = attempt
		*dest[8].(*time.Time) = now
		*dest[9].(*time.Time) = now
		return nil
	}
}

func TestJobRepositoryTransitionMisses(t *testing.T) {
	t.Run("missing job", func(t *testing.T) {
		exec := newStubExec()
		repo := NewJobRepository(exec)
		_, err := repo.Transition(context.Background(), "j1", domain.Start(0))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
	t.Run("job moved on", func(t *testing.T) {
		exec := newStubExec()
		exec.on(sqlinline.QSelectJob, jobRow("j1", domain.JobStatusCancelled, 0))
		repo := NewJobRepository(exec)
		_, err := repo.Transition(context.Background(), "j1", domain.Start(0))
		if !errors.Is(err, domain.ErrStaleState) {
			t.Fatalf("err = %v, want ErrStaleState", err)
		}
	})
	t.Run("illegal edge never reaches the database", func(t *testing.T) {
		exec := newStubExec()
		repo := NewJobRepository(exec)
		_, err := repo.Transition(context.Background(), "j1", domain.Transition{From: domain.JobStatusComplete, To: domain.JobStatusRunning})
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
		if len(exec.calls) != 0 {
			t.Fatalf("calls = %d, want 0", len(exec.calls))
		}
	})
}

func TestJobRepositoryTransitionArgs(t *testing.T) {
	exec := newStubExec()
	exec.on(sqlinline.QTransitionJob, jobRow("j1", domain.JobStatusQueued, 1))
	repo := NewJobRepository(exec)

	job, err := repo.Transition(context.Background(), "j1", domain.Requeue(domain.JobStatusError))
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if job.Attempt != 1 || job.Input.ModelID != "m1" {
		t.Fatalf("job = %+v", job)
	}
	args := exec.lastArgs(sqlinline.QTransitionJob)
	if len(args) != 10 {
		t.Fatalf("args = %d, want 10", len(args))
	}
	if args[1] != "error" || args[3] != "queued" {
		t.Fatalf("from/to = %v/%v", args[1], args[3])
	}
	if args[5] != "clear" {
		t.Fatalf("progress mode = %v, want clear", args[5])
	}
	if args[9] != 1 {
		t.Fatalf("increment = %v, want 1", args[9])
	}
}

func TestJobRepositoryUpdateProgressMisses(t *testing.T) {
	tests := []struct {
		name    string
		current func(dest ...any) error
		want    error
	}{
		{name: "lower percent", current: jobRow("j1", domain.JobStatusRunning, 2), want: domain.ErrOutOfOrder},
		{name: "older attempt", current: jobRow("j1", domain.JobStatusRunning, 3), want: domain.ErrStaleState},
		{name: "no longer running", current: jobRow("j1", domain.JobStatusCancelled, 2), want: domain.ErrStaleState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newStubExec()
			exec.on(sqlinline.QSelectJob, tt.current)
			repo := NewJobRepository(exec)
			_, err := repo.UpdateProgress(context.Background(), "j1", 2, 40, "working")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLeaseRepository(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	leaseRow := func(dest ...any) error {
		*dest[0].(*string) = "j1"
		*dest[1].(*string) = "worker-a"
		*dest[2].(*time.Time) = expires
		*dest[3].(*bool) = true
		return nil
	}

	exec := newStubExec()
	exec.on(sqlinline.QAcquireLease, leaseRow)
	repo := NewLeaseRepository(exec)

	lease, err := repo.Acquire(context.Background(), "j1", "worker-a", 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Holder != "worker-a" || !lease.ExpiresAt.Equal(expires) {
		t.Fatalf("lease = %+v", lease)
	}
	if got := exec.lastArgs(sqlinline.QAcquireLease)[2]; got != int64(1500) {
		t.Fatalf("ttl arg = %v, want 1500", got)
	}

	if _, err := repo.Acquire(context.Background(), "j1", "worker-b", time.Second); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("second Acquire err = %v, want ErrAlreadyRunning", err)
	}
	if _, err := repo.Renew(context.Background(), lease, time.Second); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("Renew err = %v, want ErrLeaseLost", err)
	}
	if _, ok, err := repo.Get(context.Background(), "j2"); err != nil || ok {
		t.Fatalf("Get = %v, %v; want missing", ok, err)
	}

	exec.tags[mustMarker(sqlinline.QRequestLeaseCancel)] = pgconn.NewCommandTag("UPDATE 1")
	flagged, err := repo.RequestCancel(context.Background(), "j1")
	if err != nil || !flagged {
		t.Fatalf("RequestCancel = %v, %v; want true", flagged, err)
	}
}

func TestQueueRepositoryPending(t *testing.T) {
	exec := newStubExec()
	exec.on(sqlinline.QQueuePending, func(dest ...any) error {
		*dest[0].(*bool) = true
		return nil
	})
	repo := NewQueueRepository(exec)
	pending, err := repo.Pending(context.Background(), "j1")
	if err != nil || !pending {
		t.Fatalf("Pending = %v, %v; want true", pending, err)
	}
	if err := repo.Enqueue(context.Background(), "j1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := exec.lastArgs(sqlinline.QEnqueueJob); len(got) != 1 || got[0] != "j1" {
		t.Fatalf("enqueue args = %v", got)
	}
	items, err := repo.Claim(context.Background(), 0, time.Second)
	if err != nil || items != nil {
		t.Fatalf("Claim(0) = %v, %v; want nothing", items, err)
	}
}
