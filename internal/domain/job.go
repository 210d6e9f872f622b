package domain

import (
	"strings"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusComplete  JobStatus = "complete"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// ParseJobStatus normalizes free-form input into a known status.
func ParseJobStatus(v string) (JobStatus, bool) {
	s := JobStatus(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusComplete, JobStatusError, JobStatusCancelled:
		return s, true
	default:
		return "", false
	}
}

// Terminal reports whether no further progress happens without a retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError || s == JobStatusCancelled
}

// Retryable reports whether a retry may start a new attempt from s.
func (s JobStatus) Retryable() bool {
	return s == JobStatusError || s == JobStatusCancelled
}

// Cancellable reports whether a cancel request is valid from s.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// ErrorKind classifies why a job ended in the error state.
type ErrorKind string

const (
	ErrorKindBackendUnavailable ErrorKind = "backend_unavailable"
	ErrorKindBackendFailure     ErrorKind = "backend_failure"
	ErrorKindInterrupted        ErrorKind = "interrupted"
)

// JobError is the structured failure cause stored on errored jobs.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

const (
	MaxReferenceImages = 10
	MaxPromptRunes     = 4000
)

// JobInput is the immutable request snapshot captured when a job is created.
type JobInput struct {
	Prompt       string         `json:"prompt"`
	ReferenceIDs []string       `json:"reference_ids,omitempty"`
	ModelID      string         `json:"model_id,omitempty"`
	Source       string         `json:"source,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// Clone returns a deep-enough copy so callers cannot mutate stored input.
func (in JobInput) Clone() JobInput {
	out := in
	if in.ReferenceIDs != nil {
		out.ReferenceIDs = append([]string(nil), in.ReferenceIDs...)
	}
	if in.Params != nil {
		out.Params = make(map[string]any, len(in.Params))
		for k, v := range in.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Job is one generation request and its current attempt.
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Progress  *int      `json:"progress,omitempty"`
	Message   string    `json:"message"`
	Input     JobInput  `json:"input"`
	Output    string    `json:"output,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone copies the job including pointer fields.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Input = j.Input.Clone()
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

// NewJob builds a queued job for the given input.
func NewJob(id string, input JobInput, now time.Time) *Job {
	return &Job{
		ID:        id,
		Status:    JobStatusQueued,
		Message:   "queued",
		Input:     input.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Status        JobStatus
	ModelID       string
	Source        string
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize clamps pagination to supported bounds.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.ModelID = strings.TrimSpace(f.ModelID)
	f.Source = strings.TrimSpace(f.Source)
	return f
}

// Matches reports whether the job satisfies the filter, ignoring pagination.
func (f JobFilter) Matches(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.ModelID != "" && j.Input.ModelID != f.ModelID {
		return false
	}
	if f.Source != "" && j.Input.Source != f.Source {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
