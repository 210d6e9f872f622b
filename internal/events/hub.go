package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBuffer is the per-subscriber queue length used when none is set.
const DefaultBuffer = 16

// SnapshotFunc loads the current stored state of a job as a message.
type SnapshotFunc func(ctx context.Context) (Message, error)

// Hub broadcasts job messages to in-process subscribers. Each subscriber owns
// a bounded queue; when it is full the oldest queued message is discarded so
// a slow reader never holds up publishers.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
	buffer int
	logger zerolog.Logger
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics: make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers for messages about jobID. The first message delivered
// is the snapshot; later messages pass the subscriber's ordering filter. The
// channel is closed after a terminal message or when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, jobID string, snapshot SnapshotFunc) (<-chan Message, error) {
	sub := &subscriber{
		jobID: jobID,
		ch:    make(chan Message, h.buffer),
		limit: h.buffer,
	}
	// register before loading so nothing published in between is lost
	h.add(sub)

	msg, err := snapshot(ctx)
	if err != nil {
		h.remove(sub)
		sub.close()
		return nil, err
	}
	if sub.activate(msg) {
		h.remove(sub)
		return sub.ch, nil
	}

	stop := context.AfterFunc(ctx, func() {
		h.remove(sub)
		sub.close()
	})
	sub.setStop(stop)
	return sub.ch, nil
}

// Publish delivers msg to every subscriber of msg.JobID.
func (h *Hub) Publish(_ context.Context, msg Message) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.topics[msg.JobID]))
	for sub := range h.topics[msg.JobID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		done, dropped := sub.deliver(msg)
		if dropped > 0 {
			h.logger.Debug().Str("job_id", msg.JobID).Int("dropped", dropped).Msg("events: slow subscriber, dropped oldest")
		}
		if done {
			h.remove(sub)
		}
	}
}

// Subscribers reports how many live subscriptions jobID has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[jobID])
}

// Topics reports how many jobs currently have subscribers.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.jobID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[sub.jobID] = subs
	}
	subs[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.jobID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.jobID)
	}
}

type subscriber struct {
	jobID string
	limit int

	mu      sync.Mutex
	ch      chan Message
	ready   bool
	held    []Message
	last    Message
	hasLast bool
	closed  bool
	stop    func() bool
}

// activate delivers the snapshot followed by anything published while it
// loaded. It reports whether the subscription already finished.
func (s *subscriber) activate(snapshot Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	s.sendLocked(snapshot, true)
	for _, msg := range s.held {
		if s.closed {
			break
		}
		s.sendLocked(msg, false)
	}
	s.held = nil
	return s.closed
}

func (s *subscriber) deliver(msg Message) (done bool, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, 0
	}
	if !s.ready {
		if len(s.held) >= s.limit {
			s.held = s.held[1:]
			dropped++
		}
		s.held = append(s.held, msg)
		return false, dropped
	}
	dropped = s.sendLocked(msg, false)
	return s.closed, dropped
}

// sendLocked applies the ordering filter and enqueues msg, evicting the
// oldest queued message when the buffer is full. A terminal message closes
// the channel after it is queued, so it is never the one evicted.
func (s *subscriber) sendLocked(msg Message, first bool) int {
	if s.closed || (!first && !s.accepts(msg)) {
		return 0
	}
	dropped := 0
	for {
		select {
		case s.ch <- msg:
			s.last, s.hasLast = msg, true
			if msg.Terminal() {
				s.closeLocked()
			}
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped++
		default:
		}
	}
}

func (s *subscriber) accepts(msg Message) bool {
	if !s.hasLast {
		return true
	}
	last := s.last
	switch {
	case msg.Attempt < last.Attempt:
		return false
	case msg.Attempt > last.Attempt:
		return true
	}
	if statusRank(msg.Status) < statusRank(last.Status) {
		return false
	}
	if msg.Status == last.Status && msg.percent() < last.percent() {
		return false
	}
	return !msg.same(last)
}

func (s *subscriber) setStop(stop func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		stop()
		return
	}
	s.stop = stop
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.held = nil
	close(s.ch)
	if s.stop != nil {
		s.stop()
	}
}
