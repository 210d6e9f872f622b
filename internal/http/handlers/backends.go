package handlers

import (
	"net/http"

	"studio/internal/backend"
)

// ListBackends lists the configured GPU servers in priority order with their
// last probe result.
func (a *App) ListBackends(w http.ResponseWriter, r *http.Request) {
	var items []backend.Candidate
	if a.Backends != nil {
		items = a.Backends.Candidates()
	}
	if items == nil {
		items = []backend.Candidate{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
