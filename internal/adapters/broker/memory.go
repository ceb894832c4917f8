package broker

import (
	"context"
	"fmt"
	"sync"

	"supportchat/internal/models"
)

const memoryBuffer = 64

// Memory is an in-process broker. It implements Dialer and lets callers publish
// to topics, drop every live session and make dials fail, which is what the
// transport and subscription tests drive.
type Memory struct {
	mu        sync.Mutex
	sessions  map[*memorySession]struct{}
	dials     int
	failDials int
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[*memorySession]struct{})}
}

// Dial opens a new session unless a failure was scheduled with FailNextDials.
func (m *Memory) Dial(ctx context.Context, identity models.Identity) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.dials++
	if m.failDials > 0 {
		m.failDials--
		return nil, fmt.Errorf("memory broker: dial refused for user %d", identity.UserID)
	}

	s := &memorySession{broker: m, identity: identity, subs: make(map[*memorySubscription]struct{})}
	s.init()
	m.sessions[s] = struct{}{}
	return s, nil
}

// FailNextDials makes the next n dials return an error.
func (m *Memory) FailNextDials(n int) {
	m.mu.Lock()
	m.failDials = n
	m.mu.Unlock()
}

// Dials reports how many dial attempts were made.
func (m *Memory) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Publish delivers body to every live subscription on topic and returns the delivery count.
// Subscribers whose buffer is full miss the frame.
func (m *Memory) Publish(topic string, body []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	delivered := 0
	for s := range m.sessions {
		for sub := range s.subs {
			if sub.topic != topic {
				continue
			}
			select {
			case sub.frames <- Frame{Topic: topic, Body: body}:
				delivered++
			default:
			}
		}
	}
	return delivered
}

// DropAll simulates a transport failure of every live session.
func (m *Memory) DropAll() {
	m.mu.Lock()
	sessions := make([]*memorySession, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.terminate(ErrDropped)
	}
}

// ActiveSessions reports the number of live sessions.
func (m *Memory) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveSubscriptions reports the number of live subscriptions on topic.
func (m *Memory) ActiveSubscriptions(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for s := range m.sessions {
		for sub := range s.subs {
			if sub.topic == topic {
				n++
			}
		}
	}
	return n
}

type memorySession struct {
	lifecycle
	broker   *Memory
	identity models.Identity
	subs     map[*memorySubscription]struct{} // guarded by broker.mu
}

func (s *memorySession) Subscribe(topic string) (Subscription, error) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if _, live := s.broker.sessions[s]; !live {
		return nil, ErrSessionClosed
	}
	sub := &memorySubscription{session: s, topic: topic, frames: make(chan Frame, memoryBuffer)}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *memorySession) Close() error {
	s.terminate(ErrSessionClosed)
	return nil
}

func (s *memorySession) terminate(cause error) {
	s.broker.mu.Lock()
	if _, live := s.broker.sessions[s]; live {
		delete(s.broker.sessions, s)
		for sub := range s.subs {
			delete(s.subs, sub)
			close(sub.frames)
		}
	}
	s.broker.mu.Unlock()
	s.end(cause)
}

type memorySubscription struct {
	session *memorySession
	topic   string
	frames  chan Frame
}

func (s *memorySubscription) Topic() string {
	return s.topic
}

func (s *memorySubscription) Frames() <-chan Frame {
	return s.frames
}

func (s *memorySubscription) Unsubscribe() error {
	b := s.session.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := s.session.subs[s]; ok {
		delete(s.session.subs, s)
		close(s.frames)
	}
	return nil
}
