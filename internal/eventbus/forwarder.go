package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"agentpay/pkg/logger"
)

// ForwarderConfig describes the RabbitMQ connection for event forwarding.
type ForwarderConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// Forwarder mirrors every bus event onto a RabbitMQ queue so external
// consumers can follow settlement activity without polling the HTTP API.
type Forwarder struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewForwarder connects to RabbitMQ and declares the queue.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentpay.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	return &Forwarder{conn: conn, ch: ch, queue: queue}, nil
}

// Run subscribes to the wildcard stream and publishes each event as JSON
// until ctx is cancelled. Publish failures are logged and skipped; the
// bus remains the source of truth.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) {
	log := logger.Named("event-forwarder")
	events, cancel := bus.Subscribe(Wildcard)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			body, err := json.Marshal(event)
			if err != nil {
				log.Warn("encode event", "event_id", event.ID, "error", err)
				continue
			}
			err = f.ch.PublishWithContext(ctx, "", f.queue, false, false, amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
			})
			if err != nil {
				log.Warn("forward event", "event_id", event.ID, "error", err)
			}
		}
	}
}

// Close releases the RabbitMQ connection.
func (f *Forwarder) Close() error {
	if f == nil {
		return nil
	}
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
