package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"livethread/internal/model"
)

var (
	ErrSessionClosed = errors.New("session closed")
	// ErrIdle is returned by Next when nothing arrived within the idle window
	ErrIdle = errors.New("session idle")
)

// State is the server-side lifecycle of a session
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason tells the client why its stream ended
type CloseReason string

const (
	ReasonClient   CloseReason = "client-close"
	ReasonOverflow CloseReason = "reconnect: queue overflow"
	ReasonEvicted  CloseReason = "reconnect: heartbeat timeout"
	ReasonShutdown CloseReason = "reconnect: server shutdown"
)

// Session is one live connection of a user. Events come out of Next in
// the order they were enqueued.
type Session struct {
	id          string
	userID      string
	connectedAt time.Time

	mu            sync.Mutex
	state         State
	reason        CloseReason
	queue         []model.Event
	capacity      int
	focus         string
	lastHeartbeat time.Time

	notify chan struct{}
	done   chan struct{}
}

func newSession(id, userID string, capacity int, now time.Time) *Session {
	return &Session{
		id:            id,
		userID:        userID,
		connectedAt:   now,
		state:         StateConnecting,
		capacity:      capacity,
		queue:         make([]model.Event, 0, min(capacity, 16)),
		lastHeartbeat: now,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Done is closed when the session closes
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason is empty while the session is open
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Info returns a snapshot of the session
func (s *Session) Info() model.LiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.LiveSession{
		ID:              s.id,
		UserID:          s.userID,
		ConnectedAt:     s.connectedAt,
		LastHeartbeatAt: s.lastHeartbeat,
	}
}

// Touch records a heartbeat from the client
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastHeartbeat) {
		s.lastHeartbeat = now
	}
	s.mu.Unlock()
}

func (s *Session) silentSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastHeartbeat)
}

// Focus marks the conversation the client is currently viewing
func (s *Session) Focus(conversationID string) {
	s.mu.Lock()
	s.focus = conversationID
	s.mu.Unlock()
}

func (s *Session) Blur() {
	s.Focus("")
}

func (s *Session) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// Len returns the number of queued events
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	// enqueued after evicting the oldest queued typing event
	enqueuedDroppedTyping
	droppedIncoming
	overflow
	sessionClosed
)

// enqueue never blocks. A full queue first gives up its oldest typing
// event; a typing event with nothing to evict is dropped, and a critical
// one closes the session so the client resyncs.
func (s *Session) enqueue(ev model.Event) enqueueResult {
	s.mu.Lock()

	if s.state == StateClosed {
		s.mu.Unlock()
		return sessionClosed
	}

	result := enqueued
	if len(s.queue) >= s.capacity {
		i := s.oldestTyping()
		switch {
		case i >= 0:
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			result = enqueuedDroppedTyping
		case !ev.Kind().Critical():
			s.mu.Unlock()
			return droppedIncoming
		default:
			s.closeLocked(ReasonOverflow)
			s.mu.Unlock()
			return overflow
		}
	}

	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return result
}

func (s *Session) oldestTyping() int {
	for i, ev := range s.queue {
		if !ev.Kind().Critical() {
			return i
		}
	}
	return -1
}

func (s *Session) open() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateOpen
	}
	s.mu.Unlock()
}

// close reports whether this call closed the session
func (s *Session) close(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(reason)
}

func (s *Session) closeLocked(reason CloseReason) bool {
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.reason = reason
	s.queue = nil
	close(s.done)
	return true
}

// Next blocks until an event is available, the session closes, ctx ends,
// or idle elapses with nothing to deliver (ErrIdle). Undelivered events
// are discarded on close.
func (s *Session) Next(ctx context.Context, idle time.Duration) (model.Event, error) {
	var timeout <-chan time.Time
	if idle > 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return model.Event{}, ErrSessionClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = model.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return model.Event{}, ErrSessionClosed
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-timeout:
			return model.Event{}, ErrIdle
		}
	}
}
