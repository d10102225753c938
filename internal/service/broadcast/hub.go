package broadcast

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/sirupsen/logrus"
)

// Subscriber is a downstream session registered with the hub.
type Subscriber interface {
	ID() string
	Deliver(frame entity.FeedFrame) error
	Evict()
	Close()
}

// Sink is an internal consumer that sees every frame. Sinks are never evicted
// and do not count as sessions, so Deliver must not block.
type Sink interface {
	Name() string
	Deliver(frame entity.FeedFrame)
}

// Hub fans frames out to every registered session. Each session owns its own
// bounded queue; a session that cannot accept a frame is evicted and closed.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Subscriber
	sinks    []Sink

	evicted atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]Subscriber),
	}
}

func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()

	logrus.WithField("session_id", s.ID()).Debug("session registered")
}

// Unregister removes and closes the session. Unknown ids are ignored.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}

	s.Close()
	logrus.WithField("session_id", id).Debug("session unregistered")

	return true
}

func (h *Hub) AttachSink(sink Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()

	logrus.WithField("sink", sink.Name()).Info("feed sink attached")
}

// Publish hands frame to every session and sink and returns how many sessions
// accepted it. It returns once every hand-off is done, not once frames are
// written.
func (h *Hub) Publish(frame entity.FeedFrame) int {
	var failed []Subscriber
	delivered := 0

	h.mu.RLock()
	for _, s := range h.sessions {
		if err := s.Deliver(frame); err != nil {
			failed = append(failed, s)
			continue
		}
		delivered++
	}
	sinks := h.sinks
	h.mu.RUnlock()

	for _, sink := range sinks {
		sink.Deliver(frame)
	}

	for _, s := range failed {
		h.evict(s)
	}

	return delivered
}

func (h *Hub) evict(s Subscriber) {
	h.mu.Lock()
	current, ok := h.sessions[s.ID()]
	if ok && current == s {
		delete(h.sessions, s.ID())
	}
	h.mu.Unlock()

	s.Evict()

	if ok && current == s {
		h.evicted.Add(1)
		logrus.WithField("session_id", s.ID()).Warn("evicted slow or closed session")
	}
}

// Sessions lists registered session ids in sorted order.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Strings(ids)

	return ids
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

// CloseAll closes and forgets every session. Sinks stay attached.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	logrus.WithField("sessions", len(sessions)).Info("closed all downstream sessions")
}
