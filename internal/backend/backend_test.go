package backend

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
)

type progressLog struct {
	mu      sync.Mutex
	entries []string
	last    int
}

func (p *progressLog) record(percent int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, message)
	p.last = percent
}

func (p *progressLog) has(message string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.entries {
		if m == message {
			return true
		}
	}
	return false
}

func healthServer(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{200, 10, 10, 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestResolverPriorityOrder(t *testing.T) {
	primary := healthServer(t, http.StatusServiceUnavailable, "model loading", nil)
	secondary := healthServer(t, http.StatusOK, `{"ok":true}`, nil)

	r := NewResolver(ResolverOptions{
		Candidates: []Candidate{
			{Name: "primary", Address: primary.URL},
			{Name: "secondary", Address: secondary.URL},
		},
		HealthTTL: time.Minute,
		Logger:    zerolog.Nop(),
	})
	sel, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !sel.Remote || sel.Candidate.Name != "secondary" {
		t.Fatalf("selected %+v, want secondary", sel.Candidate)
	}
	if len(sel.Reasons) != 1 || !strings.Contains(sel.Reasons[0], "primary: health 503: model loading") {
		t.Fatalf("reasons = %v", sel.Reasons)
	}

	got := r.Candidates()
	if got[0].Health != HealthUnhealthy || got[1].Health != HealthHealthy {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestResolverCachesHealthWithinTTL(t *testing.T) {
	var hits int32
	srv := healthServer(t, http.StatusOK, "ok", &hits)
	r := NewResolver(ResolverOptions{
		Candidates: []Candidate{{Name: "gpu", Address: srv.URL}},
		HealthTTL:  time.Minute,
		Logger:     zerolog.Nop(),
	})
	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background()); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("health hits = %d, want 1", got)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("health hits after ttl = %d, want 2", got)
	}
}

func TestResolverFallback(t *testing.T) {
	down := healthServer(t, http.StatusInternalServerError, "boom", nil)
	candidates := []Candidate{{Name: "gpu", Address: down.URL}}

	t.Run("local substitute", func(t *testing.T) {
		local := NewLocalSubstitute(zerolog.Nop())
		r := NewResolver(ResolverOptions{Candidates: candidates, LocalFallback: true, Local: local, Logger: zerolog.Nop()})
		sel, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if sel.Remote || sel.Backend.Name() != "local" {
			t.Fatalf("selection = %+v, want local", sel)
		}
		if !strings.Contains(sel.Note(), "gpu: health 500: boom") {
			t.Fatalf("note = %q", sel.Note())
		}
	})
	t.Run("fallback disabled", func(t *testing.T) {
		r := NewResolver(ResolverOptions{Candidates: candidates, Logger: zerolog.Nop()})
		_, err := r.Resolve(context.Background())
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			t.Fatalf("err = %v, want ErrBackendUnavailable", err)
		}
	})
	t.Run("nothing configured", func(t *testing.T) {
		r := NewResolver(ResolverOptions{LocalFallback: true, Local: NewLocalSubstitute(zerolog.Nop()), Logger: zerolog.Nop()})
		sel, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if sel.Note() != "no GPU server configured" {
			t.Fatalf("note = %q", sel.Note())
		}
	})
}

func TestResolverProbeTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	r := NewResolver(ResolverOptions{
		Candidates:   []Candidate{{Name: "slow", Address: slow.URL}},
		ProbeTimeout: 50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	start := time.Now()
	_, err := r.Resolve(context.Background())
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("resolve took %s, probe timeout not applied", elapsed)
	}
}

func TestRemoteGenerateRetriesTransient(t *testing.T) {
	var calls int32
	out := pngBytes(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k1" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("prompt") != "@image1 on a beach" || r.FormValue("seed") != "7" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		files := r.MultipartForm.File["images"]
		if len(files) != 2 || files[0].Filename != "image1.jpg" || files[1].Filename != "image2.jpg" {
			t.Errorf("files = %+v", files)
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "busy")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(out)
	}))
	t.Cleanup(srv.Close)

	client := NewRemoteClient(RemoteOptions{Name: "gpu", Address: srv.URL, APIKey: "k1", RetryBackoff: time.Millisecond})
	log := &progressLog{}
	art, err := client.Generate(context.Background(), Request{
		JobID:      "j1",
		Prompt:     "@image1 on a beach",
		References: []Reference{{Name: "a.jpg", Data: []byte("a")}, {Name: "b.jpg", Data: []byte("b")}},
		Params:     map[string]any{"seed": float64(7), "ignored": "x"},
	}, log.record)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if art.Extension() != "png" || !bytes.Equal(art.Data, out) {
		t.Fatalf("artifact ext=%s len=%d", art.Extension(), len(art.Data))
	}
	if !log.has("retrying GPU request (2/3)") || !log.has("saving output") || log.last != 100 {
		t.Fatalf("progress = %v", log.entries)
	}
}

func TestRemoteGenerateFailsFastOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "prompt required", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	client := NewRemoteClient(RemoteOptions{Name: "gpu", Address: srv.URL, RetryBackoff: time.Millisecond})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"}, nil)
	if !errors.Is(err, domain.ErrBackendFailure) {
		t.Fatalf("err = %v, want ErrBackendFailure", err)
	}
	if !strings.Contains(err.Error(), "GPU server error 400") {
		t.Fatalf("err = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRemoteGenerateGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := NewRemoteClient(RemoteOptions{Name: "gpu", Address: srv.URL, RetryBackoff: time.Millisecond})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"}, nil)
	if !errors.Is(err, domain.ErrBackendFailure) || !strings.Contains(err.Error(), "after retries") {
		t.Fatalf("err = %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestLocalSubstituteGrid(t *testing.T) {
	local := NewLocalSubstitute(zerolog.Nop())
	log := &progressLog{}
	art, err := local.Generate(context.Background(), Request{
		JobID:  "j1",
		Prompt: "a red mug on a wooden table",
		References: []Reference{
			{Name: "a.png", Data: pngBytes(t, 64, 32)},
			{Name: "b.png", Data: pngBytes(t, 16, 16)},
			{Name: "bad.jpg", Data: []byte("not an image")},
			{Name: "c.png", Data: pngBytes(t, 8, 8)},
			{Name: "d.png", Data: pngBytes(t, 8, 8)},
		},
		Note: "gpu: connection refused",
	}, log.record)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if art.ContentType != "image/jpeg" || art.Extension() != "jpg" {
		t.Fatalf("content type = %q", art.ContentType)
	}
	img, err := jpeg.Decode(bytes.NewReader(art.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3*previewTile || b.Dy() != 2*previewTile {
		t.Fatalf("bounds = %v, want 1536x1024", b)
	}
	for _, want := range []string{"assembling preview (local)", "rendering output (local)", "done"} {
		if !log.has(want) {
			t.Fatalf("missing progress %q in %v", want, log.entries)
		}
	}
}

func TestLocalSubstituteWithoutReferences(t *testing.T) {
	art, err := NewLocalSubstitute(zerolog.Nop()).Generate(context.Background(), Request{Prompt: "x"}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(art.Data))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Width != previewTile || cfg.Height != previewTile {
		t.Fatalf("size = %dx%d", cfg.Width, cfg.Height)
	}
}

func TestWrapText(t *testing.T) {
	long := strings.Repeat("word ", 100)
	lines := wrapText(long, 80, 4)
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	for _, l := range lines {
		if len(l) > 80 {
			t.Fatalf("line too long: %d", len(l))
		}
	}
	if got := wrapText(strings.Repeat("x", 90), 80, 4); len(got) != 2 || len(got[0]) != 80 {
		t.Fatalf("split long word = %v", got)
	}
}

func TestLoadCandidates(t *testing.T) {
	t.Run("address list", func(t *testing.T) {
		got, err := LoadCandidates([]string{"http://gpu1:8000/", " ", "https://gpu2"}, "shared", "")
		if err != nil {
			t.Fatalf("LoadCandidates: %v", err)
		}
		if len(got) != 2 || got[0].Name != "gpu-1" || got[0].Address != "http://gpu1:8000" || got[1].APIKey != "shared" {
			t.Fatalf("candidates = %+v", got)
		}
	})
	t.Run("file replaces list", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "backends.yaml")
		body := "backends:\n  - name: a100\n    address: http://a100:9000\n    api_key: own\n  - address: http://spare:9000\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write file: %v", err)
		}
		got, err := LoadCandidates([]string{"http://ignored"}, "shared", path)
		if err != nil {
			t.Fatalf("LoadCandidates: %v", err)
		}
		if len(got) != 2 || got[0].Name != "a100" || got[0].APIKey != "own" || got[1].Name != "gpu-2" || got[1].APIKey != "shared" {
			t.Fatalf("candidates = %+v", got)
		}
	})
	t.Run("invalid address", func(t *testing.T) {
		if _, err := LoadCandidates([]string{"gpu1:8000"}, "", ""); err == nil {
			t.Fatal("expected error for address without scheme")
		}
	})
}
