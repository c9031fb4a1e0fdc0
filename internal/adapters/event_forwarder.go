package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"leadsegments_backend/internal/events"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// amqpChannel is the part of *amqp.Channel the forwarder uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// EventForwarder republishes lead domain events to a RabbitMQ topic exchange,
// routed by event name, for consumers outside this process.
type EventForwarder struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	log      *logger.Logger
}

// DialEventForwarder connects to the broker and declares the exchange.
func DialEventForwarder(cfg config.AMQPConfig, log *logger.Logger) (*EventForwarder, error) {
	conn, err := amqp.Dial(cfg.GetAMQPURL())
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	f, err := NewEventForwarder(ch, cfg.GetAMQPExchange(), log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	f.conn = conn
	return f, nil
}

// NewEventForwarder declares a durable topic exchange on ch.
func NewEventForwarder(ch amqpChannel, exchange string, log *logger.Logger) (*EventForwarder, error) {
	if exchange == "" {
		return nil, apperr.Configuration("AMQP_EXCHANGE is required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &EventForwarder{ch: ch, exchange: exchange, log: log}, nil
}

// Subscribe forwards every lead domain event published on bus.
func (f *EventForwarder) Subscribe(bus events.Bus) {
	events.SubscribeAll(bus, f)
}

// Handle implements events.Handler.
func (f *EventForwarder) Handle(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.EventName(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = f.ch.PublishWithContext(ctx,
		f.exchange,
		event.EventName(),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    event.OccurredAt(),
			Type:         event.EventName(),
			Body:         body,
		},
	)
	if err != nil {
		f.log.Warn("event forward failed", "event", event.EventName(), "error", err)
		return fmt.Errorf("publish %s: %w", event.EventName(), err)
	}
	return nil
}

// Close closes the channel and, when dialed here, the connection.
func (f *EventForwarder) Close() error {
	if f == nil {
		return nil
	}
	err := f.ch.Close()
	if f.conn != nil {
		if cerr := f.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
