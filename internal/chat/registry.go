package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"supportchat/internal/adapters/broker"
	"supportchat/internal/models"
	"supportchat/internal/services"
	"supportchat/internal/transport"
)

// Link is a connection plus its inbox subscriber, held by one session.
type Link struct {
	Conn  *transport.Connection
	Inbox *services.InboxSubscriber

	once    sync.Once
	release func()
}

// Release gives the link back. Private links disconnect; shared links
// disconnect when the last holder releases. Safe to call more than once.
func (l *Link) Release() {
	l.once.Do(l.release)
}

func newConnection(ctx context.Context, dialer broker.Dialer, identity models.Identity, opts transport.Options, log zerolog.Logger) (*transport.Connection, *services.InboxSubscriber) {
	conn := transport.NewConnection(dialer, identity, opts, log)
	inbox := services.NewInboxSubscriber(identity.UserID, log)
	conn.AddHook(inbox)
	conn.Connect(ctx)
	return conn, inbox
}

// newPrivateLink opens a connection owned by a single session.
func newPrivateLink(ctx context.Context, dialer broker.Dialer, identity models.Identity, opts transport.Options, log zerolog.Logger) *Link {
	conn, inbox := newConnection(ctx, dialer, identity, opts, log)
	return &Link{
		Conn:  conn,
		Inbox: inbox,
		release: func() {
			conn.Disconnect()
			inbox.Wait()
		},
	}
}

type sharedEntry struct {
	conn  *transport.Connection
	inbox *services.InboxSubscriber
	refs  int
}

// Registry shares one connection and inbox subscription per identity among
// every session that acquires it, counting references.
type Registry struct {
	dialer broker.Dialer
	opts   transport.Options
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[int64]*sharedEntry
}

// NewRegistry creates an empty registry.
func NewRegistry(dialer broker.Dialer, opts transport.Options, log zerolog.Logger) *Registry {
	return &Registry{
		dialer:  dialer,
		opts:    opts,
		log:     log.With().Str("component", "registry").Logger(),
		entries: make(map[int64]*sharedEntry),
	}
}

// Acquire returns the shared link for identity, connecting on first use.
// The connection outlives ctx's cancellation; it ends with the last Release.
func (r *Registry) Acquire(ctx context.Context, identity models.Identity) *Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity.UserID]
	if !ok {
		conn, inbox := newConnection(context.WithoutCancel(ctx), r.dialer, identity, r.opts, r.log)
		e = &sharedEntry{conn: conn, inbox: inbox}
		r.entries[identity.UserID] = e
		r.log.Info().Int64("userID", identity.UserID).Msg("Opened shared connection")
	}
	e.refs++

	return &Link{
		Conn:    e.conn,
		Inbox:   e.inbox,
		release: func() { r.release(identity.UserID, e) },
	}
}

// Refs reports how many holders share userID's connection.
func (r *Registry) Refs(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		return e.refs
	}
	return 0
}

// Close disconnects every shared connection regardless of holders.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[int64]*sharedEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.conn.Disconnect()
		e.inbox.Wait()
	}
}

func (r *Registry) release(userID int64, e *sharedEntry) {
	r.mu.Lock()
	e.refs--
	last := e.refs <= 0 && r.entries[userID] == e
	if last {
		delete(r.entries, userID)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	e.conn.Disconnect()
	e.inbox.Wait()
	r.log.Info().Int64("userID", userID).Msg("Closed shared connection")
}
