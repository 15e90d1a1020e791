// Package mq publishes terminal order outcomes to a RabbitMQ topic
// exchange, a best-effort fan-out alongside the synchronous outcome
// channel the order pipeline returns to its supplier directly. Events
// route by terminal outcome: order.completed/cancelled/failed.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

// Outcome routing keys published under the fulfillment exchange.
const (
	RoutingKeyCompleted = "order.completed"
	RoutingKeyCancelled = "order.cancelled"
	RoutingKeyFailed    = "order.failed"
)

// OrderOutcomeEvent is the payload published for every terminal saga.
type OrderOutcomeEvent struct {
	OrderID   string    `json:"order_id"`
	SagaID    string    `json:"saga_id"`
	Outcome   string    `json:"outcome"` // COMPLETED / CANCELLED / FAILED
	Reason    string    `json:"reason,omitempty"`
	ItemCount int       `json:"item_count"`
	Timestamp time.Time `json:"timestamp"`
}

// RoutingKeyFor maps a saga outcome string to its routing key.
func RoutingKeyFor(outcome string) string {
	switch outcome {
	case "COMPLETED":
		return RoutingKeyCompleted
	case "CANCELLED":
		return RoutingKeyCancelled
	default:
		return RoutingKeyFailed
	}
}

// Publisher publishes order outcome events to a topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      *logx.Logger
}

// NewPublisher dials url, opens a channel, and declares a durable topic
// exchange named exchange.
func NewPublisher(url, exchange string, log *logx.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	log.Success("order-outcome publisher ready: exchange=%s", exchange)
	return &Publisher{conn: conn, channel: channel, exchange: exchange, log: log}, nil
}

// Publish sends event under its outcome's routing key. The fan-out is
// best-effort: a publish failure is returned to the caller to log, never
// to the orchestrator, since it must not block a saga's terminal
// transition.
func (p *Publisher) Publish(ctx context.Context, event OrderOutcomeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}

	routingKey := RoutingKeyFor(event.Outcome)
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish outcome event: %w", err)
	}

	p.log.Info("published outcome event: routing_key=%s order_id=%s", routingKey, event.OrderID)
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// Consumer consumes order outcome events from a durable queue bound to
// the fulfillment exchange. Used by downstream collaborators (ledger
// reconciliation jobs, notification workers) that this system ships
// alongside but doesn't itself run as part of the orchestrator.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	log     *logx.Logger
}

// NewConsumer dials url, declares the same exchange the publisher uses,
// declares queue, and binds it to routingKeys (e.g. "order.*" for every
// outcome).
func NewConsumer(url, exchange, queue string, routingKeys []string, log *logx.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := channel.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range routingKeys {
		if err := channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue to %q: %w", key, err)
		}
	}

	log.Success("order-outcome consumer ready: queue=%s keys=%v", queue, routingKeys)
	return &Consumer{conn: conn, channel: channel, queue: q.Name, log: log}, nil
}

// Consume runs handler for every delivered message until ctx is done.
// A handler error Nacks the message with requeue=true; success Acks it.
func (c *Consumer) Consume(ctx context.Context, handler func(OrderOutcomeEvent) error) error {
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.log.Info("consuming outcome events: queue=%s", c.queue)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopping: queue=%s", c.queue)
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed: queue=%s", c.queue)
			}

			var event OrderOutcomeEvent
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				c.log.Error("malformed outcome event, discarding: %v", err)
				msg.Nack(false, false)
				continue
			}

			if err := handler(event); err != nil {
				c.log.Warn("handler failed for order_id=%s, requeueing: %v", event.OrderID, err)
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
