// Package notify tells chat participants that their inbox changed.
package notify

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"supportchat/internal/adapters/broker"
	"supportchat/internal/metrics"
	"supportchat/internal/models"
)

// KindMessage is the notification kind sent after a message is stored.
const KindMessage = "message"

// Publisher delivers a payload to one inbox topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Notifier publishes a notification to the inboxes of both participants of
// every stored message. A nil publisher disables publishing.
type Notifier struct {
	pub Publisher
	log zerolog.Logger
}

// NewNotifier creates a Notifier. pub may be nil.
func NewNotifier(pub Publisher, log zerolog.Logger) *Notifier {
	log = log.With().Str("component", "notifier").Logger()
	if pub == nil {
		log.Info().Msg("No publisher configured. Inbox notifications disabled.")
	}
	return &Notifier{pub: pub, log: log}
}

// Enabled reports whether notifications are published.
func (n *Notifier) Enabled() bool {
	return n.pub != nil
}

// MessageStored notifies the receiver and the sender of m. Failures are logged
// and counted; the message is already persisted and clients still poll.
func (n *Notifier) MessageStored(ctx context.Context, m models.Message) {
	if n.pub == nil {
		n.log.Debug().Msg("Notifications disabled, not publishing")
		return
	}

	body, err := json.Marshal(models.Notification{
		Kind:       KindMessage,
		MessageID:  m.MessageID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
	})
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to marshal notification")
		return
	}

	topics := []string{broker.InboxTopic(m.ReceiverID)}
	if m.SenderID != m.ReceiverID {
		topics = append(topics, broker.InboxTopic(m.SenderID))
	}
	for _, topic := range topics {
		if err := n.pub.Publish(ctx, topic, body); err != nil {
			metrics.Notifications.WithLabelValues(metrics.ResultError).Inc()
			n.log.Error().Err(err).Str("topic", topic).Int64("messageID", m.MessageID).Msg("Failed to publish inbox notification")
			continue
		}
		metrics.Notifications.WithLabelValues(metrics.ResultOK).Inc()
		n.log.Debug().Str("topic", topic).Int64("messageID", m.MessageID).Msg("Published inbox notification")
	}
}

// MemoryPublisher publishes into an in-process broker.
type MemoryPublisher struct {
	Broker *broker.Memory
}

// Publish implements Publisher.
func (p MemoryPublisher) Publish(_ context.Context, topic string, body []byte) error {
	p.Broker.Publish(topic, body)
	return nil
}
