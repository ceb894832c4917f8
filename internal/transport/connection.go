// Package transport keeps one broker session alive for an identity, reconnecting
// with a fixed delay for as long as it is wanted.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"supportchat/internal/adapters/broker"
	"supportchat/internal/metrics"
	"supportchat/internal/models"
)

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ConnectHook runs on every successful (re)connect, before the state becomes
// Connected. Goroutines it starts must end when the session or ctx is done.
// A returned error is handled like a transport failure.
type ConnectHook interface {
	OnConnected(ctx context.Context, session broker.Session) error
}

// ConnectHookFunc adapts a function to ConnectHook.
type ConnectHookFunc func(ctx context.Context, session broker.Session) error

func (f ConnectHookFunc) OnConnected(ctx context.Context, session broker.Session) error {
	return f(ctx, session)
}

// Options tunes a Connection. Zero values take the defaults.
type Options struct {
	ReconnectDelay time.Duration
	Clock          clock.Clock
}

// Connection owns at most one live broker session. Failures never reach the
// caller; they move the state to Reconnecting and are retried indefinitely.
type Connection struct {
	dialer         broker.Dialer
	identity       models.Identity
	reconnectDelay time.Duration
	clock          clock.Clock
	log            zerolog.Logger

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	hooks     []ConnectHook
	listeners map[int]func(State)
	nextID    int
}

// NewConnection creates a disconnected Connection for identity.
func NewConnection(dialer broker.Dialer, identity models.Identity, opts Options, log zerolog.Logger) *Connection {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Connection{
		dialer:         dialer,
		identity:       identity,
		reconnectDelay: opts.ReconnectDelay,
		clock:          opts.Clock,
		log:            log.With().Str("component", "transport").Int64("userID", identity.UserID).Logger(),
		state:          Disconnected,
	}
}

// Identity returns the identity the connection authenticates as.
func (c *Connection) Identity() models.Identity {
	return c.identity
}

// AddHook registers a hook for subsequent connects.
func (c *Connection) AddHook(h ConnectHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

// AddStateListener registers fn to be called after every state change and
// returns a function removing it. fn runs on the connection's goroutine and
// must not block.
func (c *Connection) AddStateListener(fn func(State)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listeners == nil {
		c.listeners = make(map[int]func(State))
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting in the background and returns immediately.
// It is a no-op while the connection is already active.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setState(Connecting)
	go c.run(runCtx, done)
}

// Disconnect closes the session and stops reconnecting. It blocks until the
// background goroutine has exited and is a no-op when not active.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.setState(Disconnected)
	c.log.Info().Msg("Broker connection closed")
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.release(done)

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.log.Warn().Err(err).Dur("retryIn", c.reconnectDelay).Msg("Broker connection lost, reconnecting")
		c.setState(Reconnecting)
		metrics.Reconnects.Inc()

		timer := c.clock.Timer(c.reconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// release clears the active slot when run ends on its own because the
// parent context was cancelled, so a later Connect starts afresh. After
// Disconnect the slot is already empty and Disconnect reports the state.
func (c *Connection) release(done chan struct{}) {
	c.mu.Lock()
	if c.done != done {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	cancel()
	c.setState(Disconnected)
	c.log.Info().Msg("Broker connection stopped with its context")
}

// session dials, runs the hooks and blocks until the session ends.
func (c *Connection) session(ctx context.Context) error {
	session, err := c.dialer.Dial(ctx, c.identity)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer session.Close()

	c.mu.Lock()
	hooks := append([]ConnectHook(nil), c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		if err := h.OnConnected(ctx, session); err != nil {
			return fmt.Errorf("connect hook: %w", err)
		}
	}

	c.setState(Connected)
	c.log.Info().Msg("Broker connection established")

	select {
	case <-session.Done():
		return session.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	c.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Connection state changed")
	for _, fn := range listeners {
		fn(s)
	}
}
