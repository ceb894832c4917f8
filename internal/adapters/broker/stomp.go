package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"supportchat/internal/models"
)

const stompDisconnectTimeout = 2 * time.Second

// STOMPDialer speaks STOMP 1.2 over a WebSocket, the protocol RabbitMQ Web-STOMP
// and Spring's message broker relay expose. Topics map to /topic/<name>.
type STOMPDialer struct {
	url       string
	vhost     string
	heartbeat time.Duration
	ws        *websocket.Dialer
	log       zerolog.Logger
}

// NewSTOMPDialer creates a dialer for a ws:// or wss:// endpoint.
// heartbeat is used for both the outgoing and the expected incoming interval.
func NewSTOMPDialer(url, vhost string, heartbeat time.Duration, log zerolog.Logger) *STOMPDialer {
	if vhost == "" {
		vhost = "/"
	}
	return &STOMPDialer{
		url:       url,
		vhost:     vhost,
		heartbeat: heartbeat,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		},
		log: log.With().Str("component", "stomp-dialer").Logger(),
	}
}

// Dial opens the WebSocket, performs the STOMP handshake and carries the
// identity's credential on both.
func (d *STOMPDialer) Dial(ctx context.Context, identity models.Identity) (Session, error) {
	header := http.Header{}
	if identity.Token != "" {
		header.Set("Authorization", "Bearer "+identity.Token)
	}

	ws, resp, err := d.ws.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			d.log.Error().Err(err).Str("url", d.url).Int("statusCode", resp.StatusCode).Msg("Broker WebSocket handshake rejected")
		}
		return nil, fmt.Errorf("failed to dial broker websocket %s: %w", d.url, err)
	}

	stream := newWSStream(ws)
	// The STOMP handshake is not context aware; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(d.vhost),
		stomp.ConnOpt.HeartBeat(d.heartbeat, d.heartbeat),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(stompDisconnectTimeout),
		stomp.ConnOpt.Logger(stompLogger{d.log}),
	}
	if identity.Token != "" {
		opts = append(opts,
			stomp.ConnOpt.Login(strconv.FormatInt(identity.UserID, 10), identity.Token),
			stomp.ConnOpt.Header("Authorization", "Bearer "+identity.Token),
		)
	}

	conn, err := stomp.Connect(stream, opts...)
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("STOMP handshake with %s failed: %w", d.url, err)
	}

	s := &stompSession{conn: conn, stream: stream, log: d.log.With().Int64("userID", identity.UserID).Logger()}
	s.init()
	go func() {
		select {
		case <-stream.Closed():
			cause := stream.Err()
			if cause == nil {
				cause = ErrDropped
			}
			s.end(cause)
		case <-s.Done():
		}
	}()

	d.log.Info().Str("url", d.url).Int64("userID", identity.UserID).Str("version", string(conn.Version())).Msg("STOMP session established")
	return s, nil
}

type stompSession struct {
	lifecycle
	conn   *stomp.Conn
	stream *wsStream
	log    zerolog.Logger

	// subMu orders SUBSCRIBE and UNSUBSCRIBE frames against Close. go-stomp
	// closes a subscription's channel from two goroutines if an UNSUBSCRIBE
	// meets a connection that is going away.
	subMu   sync.Mutex
	closing bool
}

// liveLocked reports whether frames may still be written. Callers hold subMu.
func (s *stompSession) liveLocked() bool {
	if s.closing {
		return false
	}
	select {
	case <-s.Done():
		return false
	case <-s.stream.Closed():
		return false
	default:
		return true
	}
}

func (s *stompSession) Subscribe(topic string) (Subscription, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	destination := "/topic/" + topic
	if !s.liveLocked() {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", destination, ErrSessionClosed)
	}
	sub, err := s.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}

	out := &stompSubscription{
		topic:   topic,
		sub:     sub,
		session: s,
		frames:  make(chan Frame),
		stopped: make(chan struct{}),
	}
	go out.pump()
	return out, nil
}

// unsubscribe sends UNSUBSCRIBE only while the session is live. Once it is
// closing or dropped the broker discards the subscription with the session.
func (s *stompSession) unsubscribe(sub *stomp.Subscription) (err error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if !s.liveLocked() || !sub.Active() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unsubscribe from %s interrupted: %v", sub.Destination(), r)
		}
	}()
	return sub.Unsubscribe()
}

func (s *stompSession) Close() error {
	s.subMu.Lock()
	s.closing = true
	s.subMu.Unlock()

	if !s.end(ErrSessionClosed) {
		// Already dropped: there is nobody left to say goodbye to.
		_ = s.conn.MustDisconnect()
		return s.stream.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.conn.Disconnect() }()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(stompDisconnectTimeout):
		err = s.conn.MustDisconnect()
	}
	_ = s.stream.Close()
	return err
}

type stompSubscription struct {
	topic   string
	sub     *stomp.Subscription
	session *stompSession
	frames  chan Frame

	stopOnce sync.Once
	stopped  chan struct{}
}

func (s *stompSubscription) Topic() string {
	return s.topic
}

func (s *stompSubscription) Frames() <-chan Frame {
	return s.frames
}

func (s *stompSubscription) Unsubscribe() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		err = s.session.unsubscribe(s.sub)
	})
	return err
}

func (s *stompSubscription) pump() {
	defer close(s.frames)

	session := s.session
	for {
		select {
		case msg, ok := <-s.sub.C:
			if !ok {
				return
			}
			if msg.Err != nil {
				session.log.Warn().Err(msg.Err).Str("topic", s.topic).Msg("STOMP subscription failed")
				session.end(msg.Err)
				return
			}
			select {
			case s.frames <- Frame{Topic: s.topic, Body: msg.Body}:
			case <-s.stopped:
				return
			case <-session.Done():
				return
			}
		case <-s.stopped:
			return
		case <-session.Done():
			return
		}
	}
}

// stompLogger routes go-stomp's own diagnostics into zerolog.
type stompLogger struct {
	log zerolog.Logger
}

func (l stompLogger) Debugf(format string, v ...interface{})   { l.log.Debug().Msgf(format, v...) }
func (l stompLogger) Infof(format string, v ...interface{})    { l.log.Debug().Msgf(format, v...) }
func (l stompLogger) Warningf(format string, v ...interface{}) { l.log.Warn().Msgf(format, v...) }
func (l stompLogger) Errorf(format string, v ...interface{})   { l.log.Warn().Msgf(format, v...) }
func (l stompLogger) Debug(message string)                     { l.log.Debug().Msg(message) }
func (l stompLogger) Info(message string)                      { l.log.Debug().Msg(message) }
func (l stompLogger) Warning(message string)                   { l.log.Warn().Msg(message) }
func (l stompLogger) Error(message string)                     { l.log.Warn().Msg(message) }
