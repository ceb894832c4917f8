// Package stomptest runs an in-process STOMP broker behind a WebSocket
// endpoint, for tests of the STOMP transport.
package stomptest

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/server"
	"github.com/gorilla/websocket"
)

// Login is one set of STOMP credentials presented on CONNECT.
type Login struct {
	Login    string
	Passcode string
}

// Server is a go-stomp broker reached through ws://.../ws.
type Server struct {
	// URL is the WebSocket endpoint.
	URL string

	http     *httptest.Server
	listener *listener

	mu         sync.Mutex
	sockets    []*websocket.Conn
	handshakes []http.Header
	logins     []Login
	reject     func(Login) bool
}

// NewServer starts a broker whose heart-beat floor is heartbeat. A zero
// heartbeat keeps go-stomp's default of one minute.
func NewServer(heartbeat time.Duration) *Server {
	s := &Server{listener: newListener()}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{"v12.stomp"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.handshakes = append(s.handshakes, r.Header.Clone())
		s.mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sockets = append(s.sockets, ws)
		s.mu.Unlock()
		select {
		case s.listener.conns <- newConn(ws):
		case <-s.listener.closed:
			_ = ws.Close()
		}
	})
	s.http = httptest.NewServer(mux)
	s.URL = "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"

	broker := &server.Server{
		HeartBeat:     heartbeat,
		Authenticator: authenticator{s},
		Log:           discard{},
	}
	go broker.Serve(s.listener)
	return s
}

// RejectWhen makes CONNECT fail for credentials matching fn.
func (s *Server) RejectWhen(fn func(Login) bool) {
	s.mu.Lock()
	s.reject = fn
	s.mu.Unlock()
}

// Handshakes returns the HTTP headers of every WebSocket upgrade so far.
func (s *Server) Handshakes() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.handshakes...)
}

// Logins returns the credentials of every CONNECT so far.
func (s *Server) Logins() []Login {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Login(nil), s.logins...)
}

// Drop closes every open socket without a STOMP goodbye.
func (s *Server) Drop() {
	s.mu.Lock()
	sockets := s.sockets
	s.sockets = nil
	s.mu.Unlock()

	for _, ws := range sockets {
		_ = ws.Close()
	}
}

// Publish sends body to /topic/<topic> from a separate client connection.
func (s *Server) Publish(topic string, body []byte) error {
	ws, _, err := websocket.DefaultDialer.Dial(s.URL, nil)
	if err != nil {
		return err
	}
	conn, err := stomp.Connect(newConn(ws), stomp.ConnOpt.Logger(discard{}))
	if err != nil {
		_ = ws.Close()
		return err
	}
	defer conn.Disconnect()
	return conn.Send("/topic/"+topic, "application/json", body)
}

// Close stops accepting connections and closes open sockets.
func (s *Server) Close() {
	s.Drop()
	s.listener.Close()
	s.http.Close()
}

type authenticator struct {
	s *Server
}

func (a authenticator) Authenticate(login, passcode string) bool {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	l := Login{Login: login, Passcode: passcode}
	a.s.logins = append(a.s.logins, l)
	return a.s.reject == nil || !a.s.reject(l)
}

// listener hands upgraded sockets to the go-stomp server.
type listener struct {
	conns     chan net.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func newListener() *listener {
	return &listener{conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *listener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// conn presents a WebSocket as a net.Conn byte stream.
type conn struct {
	ws      *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) Close() error                       { return c.ws.Close() }
func (c *conn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

type discard struct{}

func (discard) Debugf(string, ...interface{})   {}
func (discard) Infof(string, ...interface{})    {}
func (discard) Warningf(string, ...interface{}) {}
func (discard) Errorf(string, ...interface{})   {}
func (discard) Debug(string)                    {}
func (discard) Info(string)                     {}
func (discard) Warning(string)                  {}
func (discard) Error(string)                    {}
