package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"studio/internal/http/handlers"
	"studio/internal/middleware"
	"studio/internal/storage"
)

type Options struct {
	Logger zerolog.Logger
	// RateLimitPerMin bounds job creation per client; zero disables it.
	RateLimitPerMin int
	Origins         middleware.Origins
	// StoragePath is served read-only under /storage/.
	StoragePath string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.Origins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/backends", app.ListBackends)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	limited := middleware.RateLimit(opts.RateLimitPerMin, time.Minute)
	r.Route("/v1/jobs", func(r chi.Router) {
		r.With(limited).Post("/", app.CreateJob)
		r.Get("/", app.ListJobs)
		r.Get("/{id}", app.GetJob)
		r.Get("/{id}/events", app.JobEvents)
		r.Post("/{id}/cancel", app.CancelJob)
		r.With(limited).Post("/{id}/retry", app.RetryJob)
	})
	r.With(limited).Handle("/v1/ws/generate", app.Studio())

	if opts.StoragePath != "" {
		prefix := strings.TrimSuffix(storage.PublicPrefix, "/")
		files := http.StripPrefix(prefix, http.FileServer(noListing{http.Dir(opts.StoragePath)}))
		r.Handle(storage.PublicPrefix+"*", files)
	}

	return r
}

// noListing hides directory indexes.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
