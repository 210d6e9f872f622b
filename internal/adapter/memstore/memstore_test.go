package memstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studio/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLeasesSingleHolderUnderContention(t *testing.T) {
	ctx := context.Background()
	leases := NewLeases(nil)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := leases.Acquire(ctx, "job-1", "holder", time.Minute)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrAlreadyRunning):
			default:
				t.Errorf("acquire %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func TestLeasesExpiryAndCancelFlag(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	leases := NewLeases(clock.Now)

	first, err := leases.Acquire(ctx, "job-1", "a", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, _ := leases.RequestCancel(ctx, "job-1"); !ok {
		t.Fatalf("RequestCancel on live lease returned false")
	}
	renewed, err := leases.Renew(ctx, first, 10*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.CancelRequested {
		t.Fatalf("renewed lease lost cancel flag")
	}

	clock.Advance(11 * time.Second)
	if _, err := leases.Renew(ctx, first, time.Second); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("renew expired: got %v, want ErrLeaseLost", err)
	}
	second, err := leases.Acquire(ctx, "job-1", "b", 10*time.Second)
	if err != nil {
		t.Fatalf("takeover of expired lease: %v", err)
	}
	if second.CancelRequested {
		t.Fatalf("takeover inherited cancel flag")
	}
	_ = leases.Release(ctx, first)
	if _, ok, _ := leases.Get(ctx, "job-1"); !ok {
		t.Fatalf("release by stale holder removed the new lease")
	}
}

func TestJobStoreProgressGuards(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(nil)
	job := domain.NewJob("job-1", domain.JobInput{Prompt: "A"}, time.Now())
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateProgress(ctx, "job-1", 0, 10, "x"); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("progress on queued job: got %v, want ErrStaleState", err)
	}
	if _, err := store.Transition(ctx, "job-1", domain.Start(0)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.UpdateProgress(ctx, "job-1", 0, 40, "forty"); err != nil {
		t.Fatalf("progress 40: %v", err)
	}
	if _, err := store.UpdateProgress(ctx, "job-1", 0, 30, "thirty"); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("progress 30: got %v, want ErrOutOfOrder", err)
	}
	if _, err := store.UpdateProgress(ctx, "job-1", 1, 50, "other attempt"); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("progress for other attempt: got %v, want ErrStaleState", err)
	}
	got, _ := store.Get(ctx, "job-1")
	if *got.Progress != 40 || got.Message != "forty" {
		t.Fatalf("stored progress = %d %q", *got.Progress, got.Message)
	}
}

func TestJobStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(nil)
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		in := domain.JobInput{Prompt: id, ModelID: "m1"}
		if id == "c" {
			in.ModelID = "m2"
		}
		if err := store.Create(ctx, domain.NewJob(id, in, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	page, err := store.List(ctx, domain.JobFilter{ModelID: "m1", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "d" || page[1].ID != "b" {
		t.Fatalf("page = %v", ids(page))
	}
	page, _ = store.List(ctx, domain.JobFilter{ModelID: "m1", Limit: 2, Offset: 2})
	if len(page) != 1 || page[0].ID != "a" {
		t.Fatalf("second page = %v", ids(page))
	}
}

func TestQueueVisibility(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	q := NewQueue(clock.Now)
	_ = q.Enqueue(ctx, "job-1")
	_ = q.Enqueue(ctx, "job-2")

	items, _ := q.Claim(ctx, 1, 30*time.Second)
	if len(items) != 1 || items[0].JobID != "job-1" {
		t.Fatalf("first claim = %+v", items)
	}
	items, _ = q.Claim(ctx, 5, 30*time.Second)
	if len(items) != 1 || items[0].JobID != "job-2" {
		t.Fatalf("second claim = %+v", items)
	}
	clock.Advance(31 * time.Second)
	items, _ = q.Claim(ctx, 5, 30*time.Second)
	if len(items) != 2 {
		t.Fatalf("expired claims did not reappear: %+v", items)
	}
	_ = q.Ack(ctx, items[0])
	if pending, _ := q.Pending(ctx, "job-1"); pending {
		t.Fatalf("acked job still pending")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
}

func ids(jobs []domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
