package services

import (
	"errors"
	"sort"
	"sync"
	"time"

	"supportchat/internal/models"
	"supportchat/internal/transport"
)

// DefaultPendingTolerance bounds how far a fetched message's sentAt may lie
// from an optimistic copy and still be taken as its echo.
const DefaultPendingTolerance = 2 * time.Minute

var (
	// ErrNotSelected is returned when an operation needs an open conversation.
	ErrNotSelected = errors.New("no conversation selected")
	// ErrInvalidCounterparty is returned when selecting an id that cannot be chatted with.
	ErrInvalidCounterparty = errors.New("invalid counterparty")
)

// FetchTicket is issued before a history fetch and presented back with its result.
type FetchTicket struct {
	Seq          uint64
	Counterparty int64
	selection    uint64
}

type pendingEntry struct {
	msg models.Message
	// issued is the last fetch sequence handed out before the append.
	issued uint64
}

// Store is the conversation and session model for one identity: the roster,
// the selected conversation and its visible message list. Every mutation bumps
// the version and publishes a Snapshot on the hub.
type Store struct {
	self      models.Identity
	tolerance time.Duration
	hub       *Hub

	mu            sync.Mutex
	version       uint64
	connection    transport.State
	selected      int64
	selection     uint64
	messages      []models.Message
	pending       []pendingEntry
	conversations map[int64]*models.Conversation
	issued        uint64
	applied       uint64
	placeholder   int64
}

// NewStore creates an empty store for self. A zero tolerance takes DefaultPendingTolerance.
func NewStore(self models.Identity, tolerance time.Duration) *Store {
	if tolerance <= 0 {
		tolerance = DefaultPendingTolerance
	}
	return &Store{
		self:          self,
		tolerance:     tolerance,
		hub:           NewHub(),
		connection:    transport.Disconnected,
		conversations: make(map[int64]*models.Conversation),
	}
}

// Self returns the identity the store belongs to.
func (s *Store) Self() models.Identity {
	return s.self
}

// Subscribe registers an observer of state changes.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	return s.hub.Subscribe()
}

// Close cancels all observers.
func (s *Store) Close() {
	s.hub.Close()
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked("")
}

// Selected returns the open conversation's counterparty, 0 when none.
func (s *Store) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Messages returns a copy of the visible message list.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// ListCounterparties returns the roster ordered by last activity, newest first,
// ties broken by user id.
func (s *Store) ListCounterparties() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked()
}

// Select opens the conversation with userID. The visible list is reset and
// every fetch issued so far becomes stale. Selecting the open conversation
// again is a no-op and returns false.
func (s *Store) Select(userID int64) (bool, error) {
	if userID <= 0 || userID == s.self.UserID {
		return false, ErrInvalidCounterparty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected == userID {
		return false, nil
	}
	s.selected = userID
	s.selection++
	s.messages = nil
	s.pending = nil
	s.applied = s.issued
	s.publishLocked("select")
	return true, nil
}

// SetConnectionState records the transport state for observers.
func (s *Store) SetConnectionState(state transport.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connection == state {
		return
	}
	s.connection = state
	s.publishLocked("connection")
}

// BeginFetch issues a ticket for a history fetch of the open conversation.
func (s *Store) BeginFetch() (FetchTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected == 0 {
		return FetchTicket{}, ErrNotSelected
	}
	s.issued++
	return FetchTicket{Seq: s.issued, Counterparty: s.selected, selection: s.selection}, nil
}

// ApplyHistory replaces the visible list with the fetched one. It is applied
// only if no later-issued fetch was applied already and the conversation it
// was issued for is still open; otherwise it returns false.
func (s *Store) ApplyHistory(t FetchTicket, fetched []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.selection != s.selection || t.Seq <= s.applied {
		return false
	}
	s.applied = t.Seq

	authoritative := normalize(fetched, s.self.UserID, t.Counterparty)
	s.pending = s.reconcilePendingLocked(t.Seq, authoritative)

	visible := authoritative
	for _, p := range s.pending {
		visible = append(visible, p.msg)
	}
	sortMessages(visible)
	s.messages = visible

	if n := len(authoritative); n > 0 {
		s.touchLocked(authoritative[n-1])
	}
	s.publishLocked("history")
	return true
}

// ApplyIncomingMessage records a message observed for self. It updates the
// counterparty's roster preview and, when the message belongs to the open
// conversation and its id is not shown yet, inserts it in order. It returns
// whether the visible list changed.
func (s *Store) ApplyIncomingMessage(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(msg)
}

// PlaceholderID returns an id for an optimistic message: now in unix
// milliseconds, bumped past the previous placeholder when two sends share
// a millisecond.
func (s *Store) PlaceholderID(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := now.UnixMilli()
	if id <= s.placeholder {
		id = s.placeholder + 1
	}
	s.placeholder = id
	return id
}

// AppendOptimistic shows a message the backend has accepted but not echoed
// back in a fetch yet. It is kept across history replacements until a fetch
// issued after this call is applied or a matching server copy shows up.
func (s *Store) AppendOptimistic(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.Pending = true
	if !s.applyLocked(msg) {
		return false
	}
	s.pending = append(s.pending, pendingEntry{msg: msg, issued: s.issued})
	return true
}

// MergeRoster upserts fetched roster entries. Entries are never removed and a
// local preview newer than the fetched one is kept.
func (s *Store) MergeRoster(fetched []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, c := range fetched {
		if c.UserID == 0 || c.UserID == s.self.UserID {
			continue
		}
		current, ok := s.conversations[c.UserID]
		if !ok {
			entry := c
			s.conversations[c.UserID] = &entry
			changed = true
			continue
		}
		merged := *current
		if c.DisplayName != "" {
			merged.DisplayName = c.DisplayName
		}
		if c.AvatarRef != "" {
			merged.AvatarRef = c.AvatarRef
		}
		if !c.LastMessageTimestamp.Before(current.LastMessageTimestamp) {
			merged.LastMessagePreview = c.LastMessagePreview
			merged.LastMessageTimestamp = c.LastMessageTimestamp
		}
		if merged != *current {
			*current = merged
			changed = true
		}
	}
	if changed {
		s.publishLocked("roster")
	}
}

func (s *Store) applyLocked(msg models.Message) bool {
	if msg.SenderID != s.self.UserID && msg.ReceiverID != s.self.UserID {
		return false
	}
	previewChanged := s.touchLocked(msg)

	if s.selected == 0 || !msg.Involves(s.self.UserID, s.selected) || s.containsLocked(msg.MessageID) {
		if previewChanged {
			s.publishLocked("preview")
		}
		return false
	}

	s.messages = append(s.messages, msg)
	sortMessages(s.messages)
	s.publishLocked("message")
	return true
}

func (s *Store) containsLocked(id int64) bool {
	for _, m := range s.messages {
		if m.MessageID == id {
			return true
		}
	}
	return false
}

// touchLocked moves the counterparty's preview forward to msg, creating the
// roster entry on first sight.
func (s *Store) touchLocked(msg models.Message) bool {
	other := msg.Counterparty(s.self.UserID)
	c, ok := s.conversations[other]
	if !ok {
		c = &models.Conversation{UserID: other}
		s.conversations[other] = c
	}
	if ok && msg.SentAt.Before(c.LastMessageTimestamp) {
		return false
	}
	if ok && c.LastMessagePreview == msg.Content && c.LastMessageTimestamp.Equal(msg.SentAt) {
		return false
	}
	c.LastMessagePreview = msg.Content
	c.LastMessageTimestamp = msg.SentAt
	return true
}

// reconcilePendingLocked drops optimistic entries echoed by the fetch or
// outlived by a fetch issued after them.
func (s *Store) reconcilePendingLocked(seq uint64, fetched []models.Message) []pendingEntry {
	if len(s.pending) == 0 {
		return nil
	}
	used := make([]bool, len(fetched))
	kept := s.pending[:0]
	for _, p := range s.pending {
		if s.matchLocked(p.msg, fetched, used) || seq > p.issued {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func (s *Store) matchLocked(pending models.Message, fetched []models.Message, used []bool) bool {
	for i, m := range fetched {
		if used[i] || m.SenderID != pending.SenderID || m.ReceiverID != pending.ReceiverID || m.Content != pending.Content {
			continue
		}
		delta := m.SentAt.Sub(pending.SentAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.tolerance {
			used[i] = true
			return true
		}
	}
	return false
}

func (s *Store) conversationsLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTimestamp.Equal(out[j].LastMessageTimestamp) {
			return out[i].LastMessageTimestamp.After(out[j].LastMessageTimestamp)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) snapshotLocked(cause string) Snapshot {
	return Snapshot{
		Version:       s.version,
		Cause:         cause,
		Self:          s.self,
		Selected:      s.selected,
		Messages:      append([]models.Message(nil), s.messages...),
		Conversations: s.conversationsLocked(),
		Connection:    s.connection,
	}
}

func (s *Store) publishLocked(cause string) {
	s.version++
	s.hub.Publish(s.snapshotLocked(cause))
}

// normalize keeps the messages of the a/b conversation, drops repeated ids and
// sorts the rest for display.
func normalize(msgs []models.Message, a, b int64) []models.Message {
	seen := make(map[int64]struct{}, len(msgs))
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Involves(a, b) {
			continue
		}
		if _, dup := seen[m.MessageID]; dup {
			continue
		}
		seen[m.MessageID] = struct{}{}
		m.Pending = false
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// sortMessages orders by sentAt, then by id so equal timestamps render stably.
func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.Before(msgs[j].SentAt)
		}
		return msgs[i].MessageID < msgs[j].MessageID
	})
}
