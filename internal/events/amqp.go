// README: RabbitMQ publisher and consumer for booking events (topic exchange, manual ack).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"dispatch/internal/logging"
	"dispatch/internal/observability"
)

type AMQPPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(conn *amqp.Connection, exchange string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		string(e.Type), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Timestamp:    e.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	observability.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

type AMQPConsumer struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	log      logrus.FieldLogger
}

func NewAMQPConsumer(conn *amqp.Connection, exchange, queue string, log logrus.FieldLogger) *AMQPConsumer {
	if log == nil {
		log = logging.Discard()
	}
	return &AMQPConsumer{conn: conn, exchange: exchange, queue: queue, log: log}
}

// Run binds a durable queue to the given event types and feeds deliveries to h
// until ctx is cancelled.
func (c *AMQPConsumer) Run(ctx context.Context, h Handler, types ...Type) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	q, err := ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}
	for _, t := range types {
		if err := ch.QueueBind(q.Name, string(t), c.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, t, err)
		}
	}
	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			switch handleDelivery(ctx, d.Body, h, c.log) {
			case outcomeAck:
				_ = d.Ack(false)
			case outcomeRequeue:
				_ = d.Nack(false, true)
			default:
				_ = d.Nack(false, false)
			}
		}
	}
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDrop
)

func handleDelivery(ctx context.Context, body []byte, h Handler, log logrus.FieldLogger) outcome {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil || e.Type == "" {
		log.WithError(err).Warn("dropping malformed event")
		return outcomeDrop
	}
	if err := h(ctx, e); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"event":      e.Type,
			"booking_id": e.BookingID,
		}).Warn("event handler failed, requeueing")
		return outcomeRequeue
	}
	return outcomeAck
}
