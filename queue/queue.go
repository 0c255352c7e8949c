// Package queue moves work through RabbitMQ: the primary queue carries chat
// requests answered over RTLayer or webhooks, the secondary queue carries
// post-turn bookkeeping. Both queues declare a companion "-Failed" queue that
// receives messages after the redelivery budget runs out.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"goa.design/clue/log"
)

type (
	// Channel is the slice of *amqp091.Channel the package uses.
	Channel interface {
		QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
		PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
		Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	}

	// Handler processes one message body. A returned error triggers
	// redelivery until the attempt budget is spent.
	Handler interface {
		Handle(ctx context.Context, body []byte) error
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, body []byte) error

	// Publisher sends persistent JSON messages.
	Publisher struct {
		ch Channel
	}

	// Consumer drains one queue through a Handler.
	Consumer struct {
		ch      Channel
		queue   string
		handler Handler
	}
)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// maxAttempts bounds redelivery before a message lands on the failed queue.
const maxAttempts = 3

// attemptsHeader counts deliveries of one message.
const attemptsHeader = "x-attempts"

// NewPublisher builds a Publisher.
func NewPublisher(ch Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish declares queue durably and sends payload as a persistent JSON
// message.
func (p *Publisher) Publish(ctx context.Context, queue string, payload any) error {
	if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", queue, err)
	}
	return p.ch.PublishWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
}

// NewConsumer builds a Consumer for queue.
func NewConsumer(ch Channel, queue string, h Handler) *Consumer {
	return &Consumer{ch: ch, queue: queue, handler: h}
}

// Run declares the queue and its failed companion, then drains deliveries
// until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if _, err := c.ch.QueueDeclare(c.failedQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.failedQueue(), err)
	}
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	log.Printf(ctx, "consuming %s", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("queue %s channel closed", c.queue)
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) failedQueue() string { return c.queue + "-Failed" }

// handle runs the handler and routes failures: redeliver with an incremented
// attempt count, or park on the failed queue once the budget is spent. The
// original delivery always acks so the broker never redelivers on its own.
func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	err := c.handler.Handle(ctx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Errorf(ctx, ackErr, "ack on %s", c.queue)
		}
		return
	}

	attempts := attemptsOf(d.Headers) + 1
	target := c.queue
	headers := amqp091.Table{attemptsHeader: int32(attempts)}
	if attempts >= maxAttempts {
		target = c.failedQueue()
		headers["x-last-error"] = err.Error()
		log.Errorf(ctx, err, "message failed %d times, parking on %s", attempts, target)
	} else {
		log.Errorf(ctx, err, "message attempt %d on %s, redelivering", attempts, c.queue)
		time.Sleep(time.Duration(attempts) * time.Second)
	}

	pubErr := c.ch.PublishWithContext(ctx, "", target, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	if pubErr != nil {
		log.Errorf(ctx, pubErr, "republish to %s", target)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Errorf(ctx, nackErr, "nack on %s", c.queue)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Errorf(ctx, ackErr, "ack on %s", c.queue)
	}
}

func attemptsOf(headers amqp091.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
