// Package chat assembles the support chat for one identity: connection,
// inbox subscription, history reconciliation, roster and sending.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"supportchat/internal/adapters/broker"
	"supportchat/internal/models"
	"supportchat/internal/services"
	"supportchat/internal/transport"
)

// DefaultSupportID is the counterparty customers talk to.
const DefaultSupportID int64 = 1

var (
	// ErrNotMounted is returned by operations on a session that is not mounted.
	ErrNotMounted = errors.New("chat session is not mounted")
	// ErrNotConnected is returned by Send while the broker connection is down.
	ErrNotConnected = errors.New("chat is not connected")
)

// Backend is the REST surface a session depends on.
type Backend interface {
	services.HistoryFetcher
	services.RosterFetcher
	services.MessagePoster
}

// Options tunes a Session. Zero values take the package defaults.
type Options struct {
	SupportID        int64
	PollInterval     time.Duration
	RosterInterval   time.Duration
	ReconnectDelay   time.Duration
	PendingTolerance time.Duration
	Clock            clock.Clock
	// Registry, when set, supplies a shared connection instead of a private one.
	Registry *Registry
}

// Session is the chat state and machinery of one identity between Mount and Unmount.
type Session struct {
	identity models.Identity
	dialer   broker.Dialer
	opts     Options
	log      zerolog.Logger

	store      *services.Store
	reconciler *services.Reconciler
	roster     *services.RosterPoller // agents only
	sender     *services.Sender

	mu       sync.Mutex
	mounted  bool
	link     *Link
	teardown []func()

	stateMu sync.Mutex
}

// NewSession wires a session for identity. Nothing runs until Mount.
func NewSession(identity models.Identity, backend Backend, dialer broker.Dialer, opts Options, log zerolog.Logger) (*Session, error) {
	if !identity.Valid() {
		return nil, fmt.Errorf("invalid identity %d/%q", identity.UserID, identity.Role)
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if dialer == nil && opts.Registry == nil {
		return nil, fmt.Errorf("broker dialer cannot be nil")
	}
	if opts.SupportID == 0 {
		opts.SupportID = DefaultSupportID
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &Session{
		identity: identity,
		dialer:   dialer,
		opts:     opts,
		log:      log.With().Str("component", "chat").Int64("userID", identity.UserID).Str("role", string(identity.Role)).Logger(),
		store:    services.NewStore(identity, opts.PendingTolerance),
	}

	var err error
	s.reconciler, err = services.NewReconciler(s.store, backend, opts.PollInterval, opts.Clock, log)
	if err != nil {
		return nil, err
	}
	if identity.IsAgent() {
		s.roster, err = services.NewRosterPoller(s.store, backend, opts.RosterInterval, opts.Clock, log)
		if err != nil {
			return nil, err
		}
	}
	s.sender, err = services.NewSender(s.store, backend, opts.SupportID, opts.Clock, func() {
		s.reconcile(services.ReasonPostSend)
	}, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Identity returns the session's identity.
func (s *Session) Identity() models.Identity {
	return s.identity
}

// Mount connects, subscribes and starts polling. Customers open their
// conversation with the support id straight away.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mounted {
		return nil
	}

	var link *Link
	if s.opts.Registry != nil {
		link = s.opts.Registry.Acquire(ctx, s.identity)
	} else {
		link = newPrivateLink(ctx, s.dialer, s.identity, transport.Options{
			ReconnectDelay: s.opts.ReconnectDelay,
			Clock:          s.opts.Clock,
		}, s.log)
	}

	removeHandler := link.Inbox.AddHandler(s.onNotification)
	removeListener := link.Conn.AddStateListener(func(transport.State) { s.syncState(link.Conn) })
	s.syncState(link.Conn)

	s.reconciler.Start(ctx)
	if s.roster != nil {
		s.roster.Start(ctx)
	}

	s.link = link
	s.mounted = true
	s.teardown = []func(){
		removeHandler,
		removeListener,
		s.reconciler.Stop,
	}
	if s.roster != nil {
		s.teardown = append(s.teardown, s.roster.Stop)
	}
	s.teardown = append(s.teardown, link.Release)

	if !s.identity.IsAgent() {
		if _, err := s.store.Select(s.opts.SupportID); err != nil {
			s.log.Error().Err(err).Int64("supportID", s.opts.SupportID).Msg("Cannot open support conversation")
		}
	}
	if s.store.Selected() != 0 {
		s.reconcile(services.ReasonSelect)
	}

	s.log.Info().Msg("Chat mounted")
	return nil
}

// Unmount stops every timer and in-flight fetch and releases the connection.
// Once it returns no further network call originates from this session.
func (s *Session) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	teardown := s.teardown
	s.teardown, s.link = nil, nil
	s.mu.Unlock()

	for _, fn := range teardown {
		fn()
	}
	s.store.SetConnectionState(transport.Disconnected)
	s.log.Info().Msg("Chat unmounted")
}

// Close unmounts and ends every snapshot subscription. The session cannot be reused.
func (s *Session) Close() {
	s.Unmount()
	s.store.Close()
}

// Mounted reports whether the session is live.
func (s *Session) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// Select opens the conversation with userID and fetches its history.
func (s *Session) Select(userID int64) error {
	if !s.Mounted() {
		return ErrNotMounted
	}
	changed, err := s.store.Select(userID)
	if err != nil {
		return err
	}
	if changed {
		s.reconcile(services.ReasonSelect)
	}
	return nil
}

// Send delivers content to the resolved counterparty.
func (s *Session) Send(ctx context.Context, content string) (models.Message, error) {
	s.mu.Lock()
	mounted, link := s.mounted, s.link
	s.mu.Unlock()

	if !mounted {
		return models.Message{}, ErrNotMounted
	}
	if link.Conn.State() != transport.Connected {
		return models.Message{}, ErrNotConnected
	}
	receiver, err := s.sender.Receiver()
	if err != nil {
		return models.Message{}, err
	}
	return s.sender.Send(ctx, receiver, content)
}

// CanSend reports whether the send affordance should be enabled.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted && s.link.Conn.State() == transport.Connected
}

// Reconcile asks for a background re-fetch of the open conversation.
func (s *Session) Reconcile(reason services.Reason) bool {
	return s.reconcile(reason)
}

// Subscribe registers an observer of state snapshots.
func (s *Session) Subscribe() (<-chan services.Snapshot, func()) {
	return s.store.Subscribe()
}

// Snapshot returns the current state.
func (s *Session) Snapshot() services.Snapshot {
	return s.store.Snapshot()
}

// ListCounterparties returns the roster, newest activity first.
func (s *Session) ListCounterparties() []models.Conversation {
	return s.store.ListCounterparties()
}

// ApplyIncomingMessage feeds a message observed outside the fetch path.
func (s *Session) ApplyIncomingMessage(msg models.Message) bool {
	return s.store.ApplyIncomingMessage(msg)
}

// syncState copies the connection's current state into the store. Reading and
// writing under stateMu keeps a slow caller from overwriting a newer state.
func (s *Session) syncState(conn *transport.Connection) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.store.SetConnectionState(conn.State())
}

func (s *Session) reconcile(reason services.Reason) bool {
	return s.reconciler.Trigger(reason)
}

// onNotification treats a push as a signal only: the open conversation is
// re-fetched and, for agents, the roster too.
func (s *Session) onNotification(_ context.Context, n models.Notification) {
	s.log.Debug().Int64("senderID", n.SenderID).Int64("messageID", n.MessageID).Msg("Push received, reconciling")
	s.reconcile(services.ReasonPush)
	if s.roster != nil {
		s.roster.Trigger()
	}
}
