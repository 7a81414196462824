package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/notification/domain"
)

type fakeChannel struct {
	declared  []string
	published map[string][]amqp.Publishing
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.published == nil {
		f.published = map[string][]amqp.Publishing{}
	}
	f.published[key] = append(f.published[key], msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestQueueNotifiers(t *testing.T) {
	ch := &fakeChannel{}
	c := &Client{ch: ch}
	require.NoError(t, c.declare())
	assert.Equal(t, []string{EmailQueue, SMSQueue}, ch.declared)

	n := domain.Notification{ID: "n1", Template: "order_shipped", OrderID: "o1", CreatedAt: time.Unix(0, 0).UTC()}
	require.NoError(t, c.Email().Send(context.Background(), n))
	require.NoError(t, c.SMS().Send(context.Background(), n))
	assert.Equal(t, domain.ChannelSMS, c.SMS().Channel())

	require.Len(t, ch.published[EmailQueue], 1)
	msg := ch.published[EmailQueue][0]
	assert.Equal(t, "n1", msg.MessageId)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	var got domain.Notification
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, "o1", got.OrderID)
	assert.Len(t, ch.published[SMSQueue], 1)
}
