// Package events carries reward tasks over RabbitMQ.
//
// The package knows nothing about task contents: the publisher sends JSON
// bodies and the consumer hands raw bodies to a handler, then settles each
// delivery according to the handler's result.
package events

import (
	"errors"
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Connection wraps an AMQP connection. Publisher and Consumer each open
// their own channel on it.
type Connection struct {
	conn *amqp.Connection
	log  *zap.Logger
}

// Dial connects to the broker at rawURL (amqp:// or amqps://).
func Dial(rawURL string, logger *zap.Logger) (*Connection, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	log := logger.Named("events")
	u, _ := url.Parse(rawURL)
	log.Info("connected to RabbitMQ", zap.String("host", u.Host), zap.String("vhost", u.Path))
	return &Connection{conn: conn, log: log}, nil
}

// ValidateURL checks that rawURL is an AMQP URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("rabbitmq url is empty")
	}
	if _, err := amqp.ParseURI(rawURL); err != nil {
		return fmt.Errorf("invalid rabbitmq url: %w", err)
	}
	return nil
}

// IsClosed reports whether the connection has gone away.
func (c *Connection) IsClosed() bool {
	return c == nil || c.conn == nil || c.conn.IsClosed()
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	if c.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.log.Error("failed to close RabbitMQ connection", zap.Error(err))
		return err
	}
	c.log.Info("RabbitMQ connection closed")
	return nil
}

func (c *Connection) channel(queue string) (*amqp.Channel, error) {
	if c.IsClosed() {
		return nil, amqp.ErrClosed
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return ch, nil
}
