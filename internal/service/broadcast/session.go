package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/krobus00/market-feed-relay/internal/entity"
)

const DefaultQueueSize = 256

var (
	ErrQueueFull     = errors.New("session outbound queue is full")
	ErrSessionClosed = errors.New("session is closed")
)

// Outbound is one queued item for a session: either a relayed frame or a
// direct reply to one of the session's own commands.
type Outbound struct {
	Frame entity.FeedFrame
	Reply *entity.CommandAck
}

// Session is the hub side of one downstream connection. The transport drains
// Outbound until Done is closed.
type Session struct {
	id    string
	queue chan Outbound
	done  chan struct{}
	once    sync.Once
	alive   atomic.Bool
	evicted atomic.Bool
}

func NewSession(queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	s := &Session{
		id:    uuid.NewString(),
		queue: make(chan Outbound, queueSize),
		done:  make(chan struct{}),
	}
	s.alive.Store(true)

	return s
}

func (s *Session) ID() string {
	return s.id
}

// Deliver never blocks. A full queue means the consumer is too slow.
func (s *Session) Deliver(frame entity.FeedFrame) error {
	return s.enqueue(Outbound{Frame: frame})
}

func (s *Session) Reply(ack entity.CommandAck) error {
	return s.enqueue(Outbound{Reply: &ack})
}

func (s *Session) Outbound() <-chan Outbound {
	return s.queue
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Evicted reports whether the hub dropped the session for falling behind, as
// opposed to a normal close.
func (s *Session) Evicted() bool {
	return s.evicted.Load()
}

// Close marks the session dead. The queue channel is never closed so a late
// Deliver cannot panic.
func (s *Session) Close() {
	s.once.Do(func() {
		s.alive.Store(false)
		close(s.done)
	})
}

// Evict closes the session and marks it as dropped by the hub.
func (s *Session) Evict() {
	s.evicted.Store(true)
	s.Close()
}

func (s *Session) enqueue(item Outbound) error {
	if !s.alive.Load() {
		return ErrSessionClosed
	}

	select {
	case s.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}
