package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"supportchat/internal/metrics"
	"supportchat/internal/models"
)

var (
	// ErrEmptyContent is returned for a message that is blank after trimming.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNoReceiver is returned when no counterparty is resolved.
	ErrNoReceiver = errors.New("no receiver selected")
)

// MessagePoster persists an outgoing message.
type MessagePoster interface {
	SendMessage(ctx context.Context, req models.SendRequest) error
}

// Sender writes messages through the backend, shows them optimistically and
// then asks for a post-send reconciliation.
type Sender struct {
	store     *Store
	poster    MessagePoster
	supportID int64
	clock     clock.Clock
	afterSend func()
	log       zerolog.Logger
}

// NewSender creates a sender. supportID is the fixed counterparty of customers;
// afterSend, when set, runs after every successful send.
func NewSender(store *Store, poster MessagePoster, supportID int64, clk clock.Clock, afterSend func(), log zerolog.Logger) (*Sender, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if poster == nil {
		return nil, fmt.Errorf("message poster cannot be nil")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sender{
		store:     store,
		poster:    poster,
		supportID: supportID,
		clock:     clk,
		afterSend: afterSend,
		log:       log.With().Str("component", "sender").Int64("userID", store.Self().UserID).Logger(),
	}, nil
}

// Receiver resolves who a message goes to: the selected counterparty for
// agents, the support id for customers.
func (s *Sender) Receiver() (int64, error) {
	if s.store.Self().IsAgent() {
		if id := s.store.Selected(); id != 0 {
			return id, nil
		}
		return 0, ErrNoReceiver
	}
	if s.supportID <= 0 {
		return 0, ErrNoReceiver
	}
	return s.supportID, nil
}

// Send posts content to receiverID. On success the optimistic copy is returned;
// on failure the store is left untouched.
func (s *Sender) Send(ctx context.Context, receiverID int64, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}
	self := s.store.Self().UserID
	if receiverID <= 0 || receiverID == self {
		return models.Message{}, ErrNoReceiver
	}

	req := models.SendRequest{SenderID: self, ReceiverID: receiverID, Content: content}
	if err := s.poster.SendMessage(ctx, req); err != nil {
		metrics.Sends.WithLabelValues(metrics.ResultError).Inc()
		s.log.Error().Err(err).Int64("receiverID", receiverID).Msg("Failed to send message")
		return models.Message{}, fmt.Errorf("failed to send message to %d: %w", receiverID, err)
	}

	now := s.clock.Now()
	msg := models.Message{
		MessageID:  s.store.PlaceholderID(now),
		SenderID:   self,
		ReceiverID: receiverID,
		Content:    content,
		SentAt:     now,
		Pending:    true,
	}
	if !s.store.AppendOptimistic(msg) {
		s.log.Debug().Int64("receiverID", receiverID).Msg("Sent message not shown, conversation no longer open")
	}
	metrics.Sends.WithLabelValues(metrics.ResultOK).Inc()
	s.log.Debug().Int64("receiverID", receiverID).Msg("Message sent")

	if s.afterSend != nil {
		s.afterSend()
	}
	return msg, nil
}
