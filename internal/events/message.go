package events

import (
	"context"
	"time"

	"studio/internal/domain"
)

// Message is one job state change as seen by subscribers. Kind always equals
// the status carried; progress updates arrive as running messages.
type Message struct {
	JobID     string           `json:"job_id"`
	Kind      string           `json:"kind"`
	Status    domain.JobStatus `json:"status"`
	Progress  *int             `json:"progress"`
	Message   string           `json:"message,omitempty"`
	Output    string           `json:"output,omitempty"`
	Error     *domain.JobError `json:"error,omitempty"`
	Attempt   int              `json:"attempt"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// FromJob builds the message describing the job's current record.
func FromJob(job *domain.Job) Message {
	msg := Message{
		JobID:     job.ID,
		Kind:      string(job.Status),
		Status:    job.Status,
		Message:   job.Message,
		Output:    job.Output,
		Attempt:   job.Attempt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Progress != nil {
		p := *job.Progress
		msg.Progress = &p
	}
	if job.Error != nil {
		e := *job.Error
		msg.Error = &e
	}
	return msg
}

// Terminal reports whether no further message follows on this attempt.
func (m Message) Terminal() bool {
	return m.Status.Terminal()
}

func (m Message) percent() int {
	if m.Progress == nil {
		return -1
	}
	return *m.Progress
}

func (m Message) same(o Message) bool {
	return m.JobID == o.JobID && m.Status == o.Status && m.Attempt == o.Attempt &&
		m.percent() == o.percent() && m.Message == o.Message && m.Output == o.Output
}

// Publisher fans a message out to subscribers. Delivery is best effort;
// subscribers recover missed state from the store.
type Publisher interface {
	Publish(ctx context.Context, msg Message)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message)

func (f PublisherFunc) Publish(ctx context.Context, msg Message) { f(ctx, msg) }

// Fanout publishes to every wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, msg Message) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, msg)
		}
	}
}

func statusRank(s domain.JobStatus) int {
	switch s {
	case domain.JobStatusQueued:
		return 0
	case domain.JobStatusRunning:
		return 1
	default:
		return 2
	}
}
