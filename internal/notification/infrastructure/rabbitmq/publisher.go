// Package rabbitmq hands email and SMS notifications to downstream senders
// through durable queues.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dmehra2102/commerce-order-platform/internal/notification/domain"
)

// Queue names per channel.
const (
	EmailQueue = "notifications.email"
	SMSQueue   = "notifications.sms"
)

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Client struct {
	conn *amqp.Connection
	ch   channel
}

// Dial connects and declares the notification queues.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	c := &Client{conn: conn, ch: ch}
	if err := c.declare(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) declare() error {
	for _, q := range []string{EmailQueue, SMSQueue} {
		if _, err := c.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		return err
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Email returns the notifier for the email queue.
func (c *Client) Email() *QueueNotifier {
	return &QueueNotifier{ch: c.ch, kind: domain.ChannelEmail, queue: EmailQueue}
}

// SMS returns the notifier for the SMS queue.
func (c *Client) SMS() *QueueNotifier {
	return &QueueNotifier{ch: c.ch, kind: domain.ChannelSMS, queue: SMSQueue}
}

type QueueNotifier struct {
	ch    channel
	kind  domain.Channel
	queue string
}

func (q *QueueNotifier) Channel() domain.Channel { return q.kind }

func (q *QueueNotifier) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Type:         n.Template,
		Body:         body,
	})
}
