package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"supportchat/internal/models"
)

const amqpDialTimeout = 10 * time.Second

// AMQPDialer connects straight to RabbitMQ over AMQP 0-9-1. Inbox topics are
// bound on amq.topic, the same exchange Web-STOMP /topic/ destinations use, so
// both transports see the same notifications.
type AMQPDialer struct {
	url       string
	heartbeat time.Duration
	exchange  string
	log       zerolog.Logger
}

// NewAMQPDialer creates a dialer for an amqp:// or amqps:// URL.
func NewAMQPDialer(url string, heartbeat time.Duration, log zerolog.Logger) *AMQPDialer {
	return &AMQPDialer{
		url:       url,
		heartbeat: heartbeat,
		exchange:  TopicExchange,
		log:       log.With().Str("component", "amqp-dialer").Logger(),
	}
}

type amqpDialResult struct {
	conn *amqp091.Connection
	err  error
}

// Dial opens the connection and a channel. The identity's token, when present,
// replaces the URL credentials through PLAIN authentication.
func (d *AMQPDialer) Dial(ctx context.Context, identity models.Identity) (Session, error) {
	cfg := amqp091.Config{
		Heartbeat: d.heartbeat,
		Locale:    "en_US",
		Dial:      amqp091.DefaultDial(amqpDialTimeout),
	}
	if identity.Token != "" {
		cfg.SASL = []amqp091.Authentication{
			&amqp091.PlainAuth{Username: strconv.FormatInt(identity.UserID, 10), Password: identity.Token},
		}
	}

	// amqp091 dials without a context; abandon the attempt when ctx ends.
	results := make(chan amqpDialResult, 1)
	go func() {
		conn, err := amqp091.DialConfig(d.url, cfg)
		results <- amqpDialResult{conn: conn, err: err}
	}()

	var conn *amqp091.Connection
	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("could not connect to RabbitMQ: %w", r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	s := &amqpSession{
		conn:     conn,
		channel:  channel,
		exchange: d.exchange,
		log:      d.log.With().Int64("userID", identity.UserID).Logger(),
	}
	s.init()

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		amqpErr, ok := <-closed
		if ok && amqpErr != nil {
			s.end(amqpErr)
			return
		}
		s.end(ErrDropped)
	}()

	d.log.Info().Int64("userID", identity.UserID).Dur("heartbeat", d.heartbeat).Msg("RabbitMQ connection established.")
	return s, nil
}

type amqpSession struct {
	lifecycle
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	log      zerolog.Logger
}

// Subscribe declares an exclusive auto-delete queue, binds it to the topic and starts consuming.
func (s *amqpSession) Subscribe(topic string) (Subscription, error) {
	queue, err := s.channel.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("Could not declare RabbitMQ queue")
		return nil, fmt.Errorf("could not declare queue for %s: %w", topic, err)
	}

	if err := s.channel.QueueBind(queue.Name, topic, s.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("could not bind queue %s to %s: %w", queue.Name, topic, err)
	}

	consumerTag := "supportchat-" + uuid.NewString()
	deliveries, err := s.channel.Consume(
		queue.Name,
		consumerTag,
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("could not consume from %s: %w", queue.Name, err)
	}

	sub := &amqpSubscription{
		session:     s,
		topic:       topic,
		consumerTag: consumerTag,
		frames:      make(chan Frame),
		stopped:     make(chan struct{}),
	}
	go sub.pump(deliveries)

	s.log.Debug().Str("topic", topic).Str("queue", queue.Name).Msg("Subscribed to RabbitMQ topic")
	return sub, nil
}

func (s *amqpSession) Close() error {
	s.end(ErrSessionClosed)
	_ = s.channel.Close()
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

type amqpSubscription struct {
	session     *amqpSession
	topic       string
	consumerTag string
	frames      chan Frame

	stopOnce sync.Once
	stopped  chan struct{}
}

func (s *amqpSubscription) Topic() string {
	return s.topic
}

func (s *amqpSubscription) Frames() <-chan Frame {
	return s.frames
}

func (s *amqpSubscription) Unsubscribe() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		if !s.session.conn.IsClosed() {
			err = s.session.channel.Cancel(s.consumerTag, false)
		}
	})
	return err
}

func (s *amqpSubscription) pump(deliveries <-chan amqp091.Delivery) {
	defer close(s.frames)

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case s.frames <- Frame{Topic: s.topic, Body: d.Body}:
			case <-s.stopped:
				return
			case <-s.session.Done():
				return
			}
		case <-s.stopped:
			return
		case <-s.session.Done():
			return
		}
	}
}
