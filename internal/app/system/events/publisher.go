package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends persistent JSON messages to one queue through the default
// exchange.
type Publisher struct {
	queue string
	log   *zap.Logger

	mu sync.Mutex // an AMQP channel is not safe for concurrent publishes
	ch *amqp.Channel
}

// NewPublisher declares queue and returns a Publisher for it.
func NewPublisher(c *Connection, queue string) (*Publisher, error) {
	ch, err := c.channel(queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{queue: queue, ch: ch, log: c.log.With(zap.String("queue", queue))}, nil
}

// PublishJSON marshals v and publishes it with message id id.
func (p *Publisher) PublishJSON(ctx context.Context, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			MessageId:    id,
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	p.log.Debug("message published", zap.String("message_id", id))
	return nil
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
