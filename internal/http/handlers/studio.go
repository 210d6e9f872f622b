package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	"studio/internal/domain"
	"studio/internal/events"
)

type studioRequest struct {
	ModelID          string         `json:"model_id"`
	Prompt           string         `json:"prompt"`
	ReferenceIDs     []string       `json:"reference_ids"`
	ConsentConfirmed bool           `json:"consent_confirmed"`
	Params           map[string]any `json:"params"`
}

type studioReply struct {
	Status   string `json:"status"`
	JobID    string `json:"job_id,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
	Output   string `json:"output,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
}

func replyFrom(msg events.Message) studioReply {
	out := studioReply{
		Status:   string(msg.Status),
		JobID:    msg.JobID,
		Progress: msg.Progress,
		Message:  msg.Message,
		Output:   msg.Output,
		Attempt:  msg.Attempt,
	}
	if msg.Error != nil {
		out.Message = msg.Error.Message
	}
	return out
}

// Studio serves the interactive generation socket. Each request creates a
// job whose updates are streamed back before the next request is read.
func (a *App) Studio() http.Handler {
	return websocket.Server{
		Handshake: func(_ *websocket.Config, r *http.Request) error {
			if origin := r.Header.Get("Origin"); !a.Origins.Allowed(origin) {
				return fmt.Errorf("origin %q not allowed", origin)
			}
			return nil
		},
		Handler: a.serveStudio,
	}
}

func (a *App) serveStudio(ws *websocket.Conn) {
	defer ws.Close()
	ws.MaxPayloadBytes = maxCreateBody

	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	requests := make(chan string)
	go func() {
		defer cancel()
		for {
			var raw string
			if err := websocket.Message.Receive(ws, &raw); err != nil {
				return
			}
			select {
			case requests <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-requests:
			if err := a.studioGenerate(ctx, ws, raw); err != nil {
				a.Logger.Debug().Err(err).Msg("handlers: studio socket closed")
				return
			}
		}
	}
}

// studioGenerate handles one request. Only transport errors are returned;
// request problems are reported to the client.
func (a *App) studioGenerate(ctx context.Context, ws *websocket.Conn, raw string) error {
	var req studioRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return sendStudio(ws, studioReply{Status: "error", Message: "invalid JSON payload"})
	}
	if !req.ConsentConfirmed {
		return sendStudio(ws, studioReply{Status: "error", Message: "consent_confirmed must be true"})
	}
	if strings.TrimSpace(req.ModelID) == "" || strings.TrimSpace(req.Prompt) == "" {
		return sendStudio(ws, studioReply{Status: "error", Message: "model_id and prompt are required"})
	}

	job, err := a.Jobs.Create(ctx, domain.JobInput{
		Prompt:       req.Prompt,
		ReferenceIDs: req.ReferenceIDs,
		ModelID:      req.ModelID,
		Source:       "studio",
		Params:       req.Params,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.Logger.Warn().Err(err).Msg("handlers: studio create job")
		return sendStudio(ws, studioReply{Status: "error", Message: err.Error()})
	}
	if err := sendStudio(ws, studioReply{Status: string(job.Status), JobID: job.ID, Message: job.Message}); err != nil {
		return err
	}

	stream, err := a.Jobs.Watch(ctx, job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return sendStudio(ws, studioReply{Status: "error", JobID: job.ID, Message: err.Error()})
	}
	for msg := range stream {
		// queued was sent above
		if msg.Status == domain.JobStatusQueued && msg.Attempt == job.Attempt {
			continue
		}
		if err := sendStudio(ws, replyFrom(msg)); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func sendStudio(ws *websocket.Conn, reply studioReply) error {
	return websocket.JSON.Send(ws, reply)
}
