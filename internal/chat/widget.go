package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"supportchat/internal/models"
)

// SessionFactory builds the session for an identity.
type SessionFactory func(identity models.Identity) (*Session, error)

// Widget is a chat surface. A session exists exactly while the widget is
// mounted and an identity is present; the identity is injected from outside
// and never modified here.
type Widget struct {
	factory SessionFactory
	log     zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	mounted   bool
	identity  *models.Identity
	session   *Session
	listeners []func(*Session)
}

// NewWidget creates an unmounted widget without identity.
func NewWidget(factory SessionFactory, log zerolog.Logger) (*Widget, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory cannot be nil")
	}
	return &Widget{factory: factory, log: log.With().Str("component", "widget").Logger()}, nil
}

// OnSession registers fn to be told about every session change; nil means no
// session. fn runs with the widget locked and must not call back into it.
func (w *Widget) OnSession(fn func(*Session)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Mount makes the widget visible. ctx bounds every goroutine its sessions start.
func (w *Widget) Mount(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx = ctx
	w.mounted = true
	return w.syncLocked()
}

// Unmount hides the widget and tears its session down.
func (w *Widget) Unmount() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.mounted = false
	_ = w.syncLocked()
}

// SetIdentity reports the current identity; nil means logged out. A different
// user replaces the session.
func (w *Widget) SetIdentity(identity *models.Identity) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if identity != nil {
		copied := *identity
		identity = &copied
	}
	if w.session != nil && (identity == nil || *identity != w.session.Identity()) {
		w.closeLocked()
	}
	w.identity = identity
	return w.syncLocked()
}

// Session returns the live session, nil when there is none.
func (w *Widget) Session() *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

func (w *Widget) syncLocked() error {
	want := w.mounted && w.identity != nil && w.identity.Valid()
	switch {
	case want && w.session == nil:
		session, err := w.factory(*w.identity)
		if err != nil {
			return fmt.Errorf("failed to create chat session: %w", err)
		}
		if err := session.Mount(w.ctx); err != nil {
			session.Close()
			return fmt.Errorf("failed to mount chat session: %w", err)
		}
		w.session = session
		w.log.Info().Int64("userID", session.Identity().UserID).Msg("Chat session started")
		w.notifyLocked()
	case !want && w.session != nil:
		w.closeLocked()
	}
	return nil
}

func (w *Widget) closeLocked() {
	w.log.Info().Int64("userID", w.session.Identity().UserID).Msg("Chat session ended")
	w.session.Close()
	w.session = nil
	w.notifyLocked()
}

func (w *Widget) notifyLocked() {
	for _, fn := range w.listeners {
		fn(w.session)
	}
}
