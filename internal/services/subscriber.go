package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"supportchat/internal/adapters/broker"
	"supportchat/internal/metrics"
	"supportchat/internal/models"
)

// NotificationHandler reacts to an inbox notification. It runs on the
// subscription's goroutine, one frame at a time.
type NotificationHandler func(ctx context.Context, n models.Notification)

// InboxSubscriber binds a connection to its identity's inbox topic on every
// connect and hands decoded notifications to the registered handlers.
type InboxSubscriber struct {
	userID int64
	topic  string
	log    zerolog.Logger

	mu       sync.Mutex
	handlers map[int]NotificationHandler
	nextID   int

	wg sync.WaitGroup
}

// NewInboxSubscriber creates a subscriber for userID's inbox.
func NewInboxSubscriber(userID int64, log zerolog.Logger) *InboxSubscriber {
	topic := broker.InboxTopic(userID)
	return &InboxSubscriber{
		userID:   userID,
		topic:    topic,
		log:      log.With().Str("component", "inbox").Str("topic", topic).Logger(),
		handlers: make(map[int]NotificationHandler),
	}
}

// Topic returns the inbox topic name.
func (s *InboxSubscriber) Topic() string {
	return s.topic
}

// AddHandler registers h and returns a function removing it.
func (s *InboxSubscriber) AddHandler(h NotificationHandler) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// OnConnected creates the single inbox subscription for a fresh session and
// consumes it until the session or ctx ends.
func (s *InboxSubscriber) OnConnected(ctx context.Context, session broker.Session) error {
	sub, err := session.Subscribe(s.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
	}
	s.log.Info().Msg("Subscribed to inbox")

	s.wg.Add(1)
	go s.consume(ctx, sub)
	return nil
}

// Wait blocks until every consumer goroutine has exited.
func (s *InboxSubscriber) Wait() {
	s.wg.Wait()
}

func (s *InboxSubscriber) consume(ctx context.Context, sub broker.Subscription) {
	defer s.wg.Done()
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}()

	for {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			s.handle(ctx, frame)
		case <-ctx.Done():
			return
		}
	}
}

func (s *InboxSubscriber) handle(ctx context.Context, frame broker.Frame) {
	n, err := decodeNotification(frame.Body)
	if err != nil {
		metrics.Frames.WithLabelValues(metrics.ResultDropped).Inc()
		s.log.Warn().Err(err).Int("bytes", len(frame.Body)).Msg("Dropping malformed inbox frame")
		return
	}
	metrics.Frames.WithLabelValues(metrics.ResultOK).Inc()
	s.log.Debug().Int64("senderID", n.SenderID).Int64("receiverID", n.ReceiverID).Msg("Inbox notification")

	s.mu.Lock()
	handlers := make([]NotificationHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		s.dispatch(ctx, h, n)
	}
}

func (s *InboxSubscriber) dispatch(ctx context.Context, h NotificationHandler, n models.Notification) {
	defer func() {
		if r := recover(); r != nil {
			metrics.Frames.WithLabelValues(metrics.ResultError).Inc()
			s.log.Error().Interface("panic", r).Msg("Inbox handler panicked")
		}
	}()
	h(ctx, n)
}

// decodeNotification validates a frame body. Only JSON objects are accepted.
func decodeNotification(body []byte) (models.Notification, error) {
	var n models.Notification
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return n, fmt.Errorf("inbox frame is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return n, fmt.Errorf("failed to decode inbox frame: %w", err)
	}
	return n, nil
}
