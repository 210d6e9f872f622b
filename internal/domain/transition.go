package domain

import (
	"fmt"
	"time"
)

// AnyAttempt disables the attempt guard of a Transition.
const AnyAttempt = -1

var edges = map[JobStatus][]JobStatus{
	JobStatusQueued:    {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:   {JobStatusComplete, JobStatusError, JobStatusCancelled},
	JobStatusError:     {JobStatusQueued},
	JobStatusCancelled: {JobStatusQueued},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is a conditional status write. It applies only when the stored
// status equals From and, unless Attempt is AnyAttempt, the stored attempt
// equals Attempt.
type Transition struct {
	From    JobStatus
	To      JobStatus
	Attempt int
	Message string

	// Progress overwrites the stored percent when set; ClearProgress nulls it.
	Progress      *int
	ClearProgress bool

	Output string
	Error  *JobError

	// NextAttempt increments the attempt counter (retry).
	NextAttempt bool
}

func intPtr(v int) *int { return &v }

// Start moves a queued attempt to running.
func Start(attempt int) Transition {
	return Transition{From: JobStatusQueued, To: JobStatusRunning, Attempt: attempt, Message: "running", Progress: intPtr(0)}
}

// Complete records a produced artifact.
func Complete(attempt int, output string) Transition {
	return Transition{From: JobStatusRunning, To: JobStatusComplete, Attempt: attempt, Message: "done", Progress: intPtr(100), Output: output}
}

// Fail records a classified failure cause.
func Fail(attempt int, cause *JobError) Transition {
	msg := "failed"
	if cause != nil && cause.Message != "" {
		msg = cause.Message
	}
	return Transition{From: JobStatusRunning, To: JobStatusError, Attempt: attempt, Message: msg, Error: cause}
}

// Interrupt fails a running attempt that lost its executor.
func Interrupt(attempt int) Transition {
	return Fail(attempt, &JobError{Kind: ErrorKindInterrupted, Message: "interrupted"})
}

// Cancel moves a queued or running job to cancelled.
func Cancel(from JobStatus) Transition {
	return Transition{From: from, To: JobStatusCancelled, Attempt: AnyAttempt, Message: "cancelled"}
}

// Requeue starts a new attempt of an errored or cancelled job.
func Requeue(from JobStatus) Transition {
	return Transition{From: from, To: JobStatusQueued, Attempt: AnyAttempt, Message: "queued", ClearProgress: true, NextAttempt: true}
}

// Validate rejects transitions that are not state machine edges.
func (t Transition) Validate() error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, t.From, t.To)
	}
	return nil
}

// Matches reports whether the guard of t holds for j.
func (t Transition) Matches(j *Job) bool {
	if j == nil || j.Status != t.From {
		return false
	}
	return t.Attempt == AnyAttempt || t.Attempt == j.Attempt
}

// Apply mutates j according to t. Callers check Matches first; Apply returns
// ErrStaleState when the guard does not hold.
func (t Transition) Apply(j *Job, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.Matches(j) {
		return ErrStaleState
	}
	j.Status = t.To
	j.Message = t.Message
	switch {
	case t.ClearProgress:
		j.Progress = nil
	case t.Progress != nil:
		p := *t.Progress
		j.Progress = &p
	}
	j.Output = ""
	j.Error = nil
	if t.To == JobStatusComplete {
		j.Output = t.Output
	}
	if t.To == JobStatusError && t.Error != nil {
		e := *t.Error
		j.Error = &e
	}
	if t.NextAttempt {
		j.Attempt++
	}
	j.UpdatedAt = now
	return nil
}
