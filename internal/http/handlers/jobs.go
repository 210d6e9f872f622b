package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"studio/internal/domain"
)

type createJobRequest struct {
	Prompt       string         `json:"prompt"`
	ReferenceIDs []string       `json:"reference_ids"`
	ModelID      string         `json:"model_id"`
	Source       string         `json:"source"`
	Params       map[string]any `json:"params"`
}

func (req createJobRequest) input() domain.JobInput {
	return domain.JobInput{
		Prompt:       req.Prompt,
		ReferenceIDs: req.ReferenceIDs,
		ModelID:      req.ModelID,
		Source:       req.Source,
		Params:       req.Params,
	}
}

type listJobsResponse struct {
	Items  []domain.Job `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

const maxCreateBody = 1 << 20

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		a.error(w, r, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	job, err := a.Jobs.Create(r.Context(), req.input())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, job)
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.JobFilter{
		ModelID: q.Get("model_id"),
		Source:  q.Get("source"),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, ok := domain.ParseJobStatus(raw)
		if !ok {
			a.error(w, r, http.StatusBadRequest, "bad_request", "unknown status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}
	var ok bool
	if filter.Limit, ok = queryInt(q.Get("limit")); !ok {
		a.error(w, r, http.StatusBadRequest, "bad_request", "limit must be a number")
		return
	}
	if filter.Offset, ok = queryInt(q.Get("offset")); !ok {
		a.error(w, r, http.StatusBadRequest, "bad_request", "offset must be a number")
		return
	}
	filter = filter.Normalize()

	items, err := a.Jobs.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Job{}
	}
	a.json(w, http.StatusOK, listJobsResponse{Items: items, Limit: filter.Limit, Offset: filter.Offset})
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

func queryInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
