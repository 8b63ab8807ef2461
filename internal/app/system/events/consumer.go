package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HandlerFunc processes one message body.
type HandlerFunc func(ctx context.Context, body []byte) error

// Submitter runs jobs in the background. *workers.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job func(ctx context.Context)) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue    string
	Prefetch int // unacknowledged deliveries held at once

	Handler HandlerFunc
	// Requeue decides whether a failed message goes back on the queue. A nil
	// Requeue requeues every failure.
	Requeue func(err error) bool
}

// Consumer reads a queue and settles each delivery after its handler runs:
// ack on success, nack with or without requeue on failure.
type Consumer struct {
	cfg  ConsumerConfig
	pool Submitter
	log  *zap.Logger
	ch   *amqp.Channel
	tag  string
	done chan struct{}
}

// NewConsumer declares the queue and opens a channel with the configured
// prefetch.
func NewConsumer(c *Connection, pool Submitter, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Handler == nil {
		return nil, errors.New("consumer handler is required")
	}
	ch, err := c.channel(cfg.Queue)
	if err != nil {
		return nil, err
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	return newConsumer(ch, pool, cfg, c.log), nil
}

func newConsumer(ch *amqp.Channel, pool Submitter, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	return &Consumer{
		cfg:  cfg,
		pool: pool,
		ch:   ch,
		tag:  "uplinehub-" + uuid.NewString(),
		log:  logger.With(zap.String("queue", cfg.Queue)),
		done: make(chan struct{}),
	}
}

// Start begins consuming. Deliveries are dispatched to the pool until ctx is
// done or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.ch.Consume(
		c.cfg.Queue,
		c.tag,
		false, // manual ack after processing
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.log.Info("consumer started", zap.String("tag", c.tag), zap.Int("prefetch", c.cfg.Prefetch))

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				c.log.Info("consumer stopped")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.log.Warn("consumer delivery channel closed")
					return
				}
				c.dispatch(ctx, msg)
			}
		}
	}()
	return nil
}

// Stop cancels the subscription and closes the channel. Deliveries still
// unacknowledged are returned to the queue by the broker.
func (c *Consumer) Stop() error {
	if c.ch == nil || c.ch.IsClosed() {
		return nil
	}
	if err := c.ch.Cancel(c.tag, false); err != nil {
		c.log.Warn("cancel consumer failed", zap.Error(err))
	}
	return c.ch.Close()
}

// Done is closed when the delivery loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) dispatch(ctx context.Context, msg amqp.Delivery) {
	err := c.pool.Submit(ctx, func(jobCtx context.Context) {
		c.process(jobCtx, msg)
	})
	if err != nil {
		// pool closed or shutting down; let another consumer have it
		c.log.Warn("could not schedule delivery; requeueing",
			zap.String("message_id", msg.MessageId),
			zap.Error(err))
		c.settle(msg, false, true)
	}
}

func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	err := c.cfg.Handler(ctx, msg.Body)
	if err == nil {
		c.settle(msg, true, false)
		return
	}
	requeue := c.cfg.Requeue == nil || c.cfg.Requeue(err)
	c.log.Warn("message handling failed",
		zap.String("message_id", msg.MessageId),
		zap.Bool("redelivered", msg.Redelivered),
		zap.Bool("requeue", requeue),
		zap.Error(err))
	c.settle(msg, false, requeue)
}

func (c *Consumer) settle(msg amqp.Delivery, ack, requeue bool) {
	var err error
	if ack {
		err = msg.Ack(false)
	} else {
		err = msg.Nack(false, requeue)
	}
	if err != nil {
		c.log.Error("failed to settle delivery",
			zap.String("message_id", msg.MessageId),
			zap.Bool("ack", ack),
			zap.Error(err))
	}
}
