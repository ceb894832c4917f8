package broker

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream presents a WebSocket connection as the byte stream a STOMP codec
// expects. Inbound messages are concatenated; each Write becomes one text message.
type wsStream struct {
	ws     *websocket.Conn
	reader io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	err       error
}

func newWSStream(ws *websocket.Conn) *wsStream {
	return &wsStream{ws: ws, closed: make(chan struct{})}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				s.fail(err)
				return 0, err
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			s.fail(err)
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		s.fail(err)
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.fail(nil)
	return nil
}

// Closed is closed once the underlying socket has failed or been closed.
func (s *wsStream) Closed() <-chan struct{} {
	return s.closed
}

// Err reports the read or write error that ended the stream, nil after a plain Close.
func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsStream) fail(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		_ = s.ws.Close()
		close(s.closed)
	})
}
