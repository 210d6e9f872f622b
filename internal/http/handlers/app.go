package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/events"
	"studio/internal/middleware"
)

// JobService is the job API the handlers depend on. *jobs.Service
// implements it.
type JobService interface {
	Create(ctx context.Context, input domain.JobInput) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	Cancel(ctx context.Context, id string) (*domain.Job, error)
	Retry(ctx context.Context, id string) (*domain.Job, error)
	Watch(ctx context.Context, id string) (<-chan events.Message, error)
}

// BackendLister exposes candidate health. *backend.Resolver implements it.
type BackendLister interface {
	Candidates() []backend.Candidate
}

type App struct {
	Jobs     JobService
	Backends BackendLister
	// Origins gates browser origins on the studio socket.
	Origins middleware.Origins
	Logger  zerolog.Logger
}

func NewApp(jobs JobService, backends BackendLister, origins middleware.Origins, logger zerolog.Logger) *App {
	return &App{Jobs: jobs, Backends: backends, Origins: origins, Logger: logger}
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, r *http.Request, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{
		"error": {Code: errCode, Message: message, RequestID: middleware.RequestIDFromContext(r.Context())},
	})
}

// fail maps service errors onto the error envelope.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrInvalidState):
		a.error(w, r, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, domain.ErrStaleState):
		a.error(w, r, http.StatusConflict, "conflict", "job changed concurrently, try again")
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("handlers: request failed")
		a.error(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
