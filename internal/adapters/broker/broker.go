// Package broker adapts message-broker transports (STOMP over WebSocket, AMQP 0-9-1
// and an in-process broker) to one small pub/sub surface used by the chat core.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"supportchat/internal/models"
)

// Broker kinds accepted by NewDialer.
const (
	KindSTOMP  = "stomp"
	KindAMQP   = "amqp"
	KindMemory = "memory"
)

// TopicExchange is the exchange RabbitMQ maps STOMP /topic/ destinations onto.
const TopicExchange = "amq.topic"

var (
	// ErrSessionClosed is reported by a session closed through Close.
	ErrSessionClosed = errors.New("broker session closed")
	// ErrDropped is reported by a session whose transport went away underneath it.
	ErrDropped = errors.New("broker transport dropped")
)

// Frame is one inbound message delivered on a subscription.
type Frame struct {
	Topic string
	Body  []byte
}

// Subscription is a live binding of a session to a single topic.
type Subscription interface {
	Topic() string
	// Frames yields inbound frames in transport order. It is closed when the
	// subscription is cancelled or its session ends.
	Frames() <-chan Frame
	Unsubscribe() error
}

// Session is one established broker connection.
type Session interface {
	Subscribe(topic string) (Subscription, error)
	// Done is closed once the session is no longer usable.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Dialer establishes broker sessions on behalf of an identity.
type Dialer interface {
	Dial(ctx context.Context, identity models.Identity) (Session, error)
}

// InboxTopic is the private topic a user receives notifications on.
func InboxTopic(userID int64) string {
	return "chat-" + strconv.FormatInt(userID, 10)
}

// Options configures NewDialer.
type Options struct {
	Kind      string
	URL       string
	Heartbeat time.Duration
	VHost     string
}

// NewDialer returns the dialer for opts.Kind. The memory kind returns a fresh Memory broker.
func NewDialer(opts Options, log zerolog.Logger) (Dialer, error) {
	switch strings.ToLower(opts.Kind) {
	case "", KindSTOMP:
		if opts.URL == "" {
			return nil, fmt.Errorf("stomp broker URL cannot be empty")
		}
		return NewSTOMPDialer(opts.URL, opts.VHost, opts.Heartbeat, log), nil
	case KindAMQP:
		if opts.URL == "" {
			return nil, fmt.Errorf("amqp broker URL cannot be empty")
		}
		return NewAMQPDialer(opts.URL, opts.Heartbeat, log), nil
	case KindMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", opts.Kind)
}

// lifecycle is the done/err bookkeeping shared by the session implementations.
type lifecycle struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (l *lifecycle) init() {
	l.done = make(chan struct{})
}

// end closes done exactly once, recording the first cause.
func (l *lifecycle) end(err error) bool {
	ended := false
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		ended = true
	})
	return ended
}

func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
