package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/notification/application"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type recorder struct {
	got []application.OrderEvent
	err error
}

func (r *recorder) Handle(_ context.Context, ev application.OrderEvent) error {
	r.got = append(r.got, ev)
	return r.err
}

func message(eventType, body string) kafka.Message {
	msg := kafka.Message{Key: []byte("o1"), Value: []byte(body)}
	if eventType != "" {
		msg.Headers = []kafka.Header{{Key: "event_type", Value: []byte(eventType)}}
	}
	return msg
}

func TestEventHandlerDecodes(t *testing.T) {
	rec := &recorder{}
	h := EventHandler(logging.Discard(), rec)

	err := h(context.Background(), message("OrderStatusChanged", `{"order_id":"o1","number":"TST-250601-0000010","from":"processing","to":"shipped"}`))
	require.NoError(t, err)
	require.Len(t, rec.got, 1)
	assert.Equal(t, "OrderStatusChanged", rec.got[0].Type)
	assert.Equal(t, "shipped", rec.got[0].To)
}

func TestEventHandlerFallsBackToKey(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, EventHandler(logging.Discard(), rec)(context.Background(), message("OrderCreated", `{}`)))
	assert.Equal(t, "o1", rec.got[0].OrderID)
}

func TestEventHandlerPermanentFailures(t *testing.T) {
	h := EventHandler(logging.Discard(), &recorder{})
	assert.ErrorIs(t, h(context.Background(), message("", `{}`)), messaging.ErrPermanent)
	assert.ErrorIs(t, h(context.Background(), message("OrderCreated", `{`)), messaging.ErrPermanent)
}

func TestEventHandlerPassesServiceErrors(t *testing.T) {
	boom := errors.New("webhook down")
	err := EventHandler(logging.Discard(), &recorder{err: boom})(context.Background(), message("OrderCreated", `{}`))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, messaging.ErrPermanent)
}
