package platform

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/infra"
)

func memoryConfig(t *testing.T) *infra.Config {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("STORAGE_PATH", t.TempDir())
	t.Setenv("GPU_SERVER_URL", "")
	t.Setenv("BACKENDS_FILE", "")
	t.Setenv("LOCAL_FALLBACK_ENABLED", "true")
	t.Setenv("WORKER_POLL_INTERVAL_MS", "10")
	cfg, err := infra.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestMemoryStackRunsJobs(t *testing.T) {
	cfg := memoryConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := New(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer stack.Close()
	if err := stack.RunRelay(ctx); err != nil {
		t.Fatalf("RunRelay on memory driver: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- stack.RunWorker(ctx) }()

	job, err := stack.Service.Create(ctx, domain.JobInput{Prompt: "a red bicycle", ModelID: "flux"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stream, err := stack.Service.Watch(ctx, job.ID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	var last domain.JobStatus
	var output string
	timeout := time.After(10 * time.Second)
	for open := true; open; {
		select {
		case msg, ok := <-stream:
			if !ok {
				open = false
				break
			}
			last, output = msg.Status, msg.Output
		case <-timeout:
			t.Fatalf("job did not finish, last status %q", last)
		}
	}
	if last != domain.JobStatusComplete || !strings.HasPrefix(output, "/storage/outputs/") {
		t.Fatalf("last = %q output %q, want complete with stored output", last, output)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunWorker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestWorkerIDUnique(t *testing.T) {
	a, b := WorkerID(), WorkerID()
	if a == b {
		t.Fatalf("WorkerID returned %q twice", a)
	}
}

func TestNewRejectsBadBackendsFile(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.BackendsFile = t.TempDir() + "/missing.yaml"
	if _, err := New(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("New with missing backends file returned nil error")
	}
}
