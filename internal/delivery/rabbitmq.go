package delivery

import (
	"context"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
)

// Broker publishes an event body for eventType.
type Broker interface {
	Publish(ctx context.Context, eventType string, body []byte) error
}

// Rabbit publishes events to durable RabbitMQ queues named
// <prefix>_<queue>, or <prefix>_<eventType> for the event types listed as
// specific.
type Rabbit struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool

	queue    string
	prefix   string
	specific map[string]bool
}

func DialRabbit(url, queue, prefix string, specificEvents []string) (*Rabbit, error) {
	const op = "delivery.DialRabbit"

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return nil, apperr.Infrastructure(op, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		return nil, apperr.Infrastructure(op, err)
	}
	r := newRabbit(queue, prefix, specificEvents)
	r.conn, r.channel = conn, ch

	log.Info().
		Str("queue", r.queue).
		Str("prefix", r.prefix).
		Msg("RabbitMQ connection established")
	return r, nil
}

func newRabbit(queue, prefix string, specificEvents []string) *Rabbit {
	if queue == "" {
		queue = "message_events"
	}
	if prefix == "" {
		prefix = "relay"
	}
	specific := make(map[string]bool)
	for _, e := range specificEvents {
		if e = strings.TrimSpace(e); e != "" {
			specific[e] = true
		}
	}
	return &Rabbit{queue: queue, prefix: prefix, specific: specific, declared: make(map[string]bool)}
}

// QueueName returns the queue an event type is published to.
func (r *Rabbit) QueueName(eventType string) string {
	if r.specific[eventType] {
		return r.prefix + "_" + strings.ToLower(strings.ReplaceAll(eventType, ".", "_"))
	}
	return r.prefix + "_" + r.queue
}

func (r *Rabbit) Publish(ctx context.Context, eventType string, body []byte) error {
	const op = "delivery.Rabbit.Publish"
	queueName := r.QueueName(eventType)

	// amqp091 channels are not safe for concurrent publishes.
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.declared[queueName] {
		_, err := r.channel.QueueDeclare(
			queueName,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			log.Error().Err(err).Str("queue", queueName).Msg("Could not declare RabbitMQ queue")
			return apperr.Infrastructure(op, err)
		}
		r.declared[queueName] = true
	}

	err := r.channel.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Str("eventType", eventType).Msg("Could not publish to RabbitMQ")
		return apperr.Infrastructure(op, err)
	}
	log.Debug().Str("queue", queueName).Str("eventType", eventType).Msg("Published event to RabbitMQ")
	return nil
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
