package services

import (
	"sync"

	"supportchat/internal/models"
	"supportchat/internal/transport"
)

// Reason names what asked for a reconciliation.
type Reason string

const (
	ReasonTimer    Reason = "timer"
	ReasonPush     Reason = "push"
	ReasonPostSend Reason = "post-send"
	ReasonSelect   Reason = "select"
)

// Snapshot is an immutable copy of the chat state at one version.
// Observers drop any snapshot whose Version is not newer than the last one they used.
type Snapshot struct {
	Version       uint64
	Cause         string
	Self          models.Identity
	Selected      int64 // 0 when no conversation is open
	Messages      []models.Message
	Conversations []models.Conversation
	Connection    transport.State
}

// Hub fans snapshots out to observers. Publishing never blocks: an observer
// that has not drained its channel gets the newest snapshot in place of the
// one it missed.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// NewHub creates a hub with no observers.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Snapshot)}
}

// Subscribe registers an observer. cancel closes the returned channel.
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Snapshot, 1)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish hands s to every observer.
func (h *Hub) Publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Replace the undelivered snapshot with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Close cancels every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
