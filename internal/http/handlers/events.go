package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// keepAlive is how often an idle event stream gets a comment line so
// proxies do not close it.
var keepAlive = 15 * time.Second

// JobEvents streams a job as Server-Sent Events. The stored state comes
// first; the stream ends after a terminal event.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stream, err := a.Jobs.Watch(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", id).Msg("handlers: event stream flush unsupported")
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				a.Logger.Error().Err(err).Str("job_id", id).Msg("handlers: encode event")
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
