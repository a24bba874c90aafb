package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher routes events to a topic exchange keyed by event type.
// It also serves as the outbox relay sink.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
}

// DialRabbitMQ connects and declares a durable topic exchange.
func DialRabbitMQ(url, exchange string) (*RabbitMQPublisher, error) {
	if url == "" {
		return nil, errors.New("events: rabbitmq url required")
	}
	if exchange == "" {
		exchange = "clawtrust.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// NewRabbitMQPublisher wraps an already configured channel.
func NewRabbitMQPublisher(ch Channel, exchange string) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, exchange: exchange}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, evts ...Event) error {
	for _, e := range evts {
		body, err := e.Body()
		if err != nil {
			return fmt.Errorf("events: marshal %s: %w", e.Type, err)
		}
		if err := p.Send(ctx, Message{ID: e.ID, Topic: string(e.Type), Payload: body}); err != nil {
			return err
		}
	}
	return nil
}

func (p *RabbitMQPublisher) Send(ctx context.Context, m Message) error {
	err := p.ch.PublishWithContext(ctx, p.exchange, m.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Type:         m.Topic,
		Body:         m.Payload,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", m.Topic, err)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
