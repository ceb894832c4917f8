package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitPublisher publishes inbox notifications to a topic exchange. Routing
// keys are inbox topics, so RabbitMQ Web-STOMP subscribers of
// /topic/chat-<id> and AMQP queues bound with chat-<id> both receive them.
type RabbitPublisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	log      zerolog.Logger
}

// NewRabbitPublisher connects to url. The connection is re-established on the
// next publish after it is lost.
func NewRabbitPublisher(url, exchange string, log zerolog.Logger) (*RabbitPublisher, error) {
	if url == "" {
		return nil, errors.New("RABBITMQ_URL is not set")
	}
	p := &RabbitPublisher{
		url:      url,
		exchange: exchange,
		log:      log.With().Str("component", "rabbitmq").Logger(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	p.log.Info().Str("exchange", exchange).Msg("RabbitMQ connection established.")
	return p, nil
}

func (p *RabbitPublisher) connectLocked() error {
	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	p.conn, p.channel = conn, channel
	return nil
}

// Publish sends body to the exchange with the given routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil || p.channel.IsClosed() {
		p.log.Warn().Msg("RabbitMQ connection lost, reconnecting")
		if p.conn != nil {
			p.conn.Close()
		}
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	err := p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key = inbox topic
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.NewString(),
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		p.log.Error().Err(err).Str("routingKey", routingKey).Msg("Could not publish to RabbitMQ")
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}
	p.log.Debug().Str("routingKey", routingKey).Msg("Published message to RabbitMQ")
	return nil
}

// Close shuts the channel and the connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	if p.channel != nil {
		p.channel.Close()
	}
	err := p.conn.Close()
	p.conn, p.channel = nil, nil
	return err
}
