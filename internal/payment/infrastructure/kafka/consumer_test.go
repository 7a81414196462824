package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/application"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type svcFunc func(ctx context.Context, cmd messaging.Command) (messaging.Reply, error)

func (f svcFunc) Handle(ctx context.Context, cmd messaging.Command) (messaging.Reply, error) {
	return f(ctx, cmd)
}

func TestCommandHandler(t *testing.T) {
	raw, err := json.Marshal(messaging.Command{ID: "s1:authorize_payment:1", Type: messaging.AuthorizePayment, OrderID: "o1"})
	require.NoError(t, err)
	msg := kafka.Message{Topic: "payment.commands", Value: raw}

	declined := CommandHandler(logging.Discard(), svcFunc(func(_ context.Context, cmd messaging.Command) (messaging.Reply, error) {
		return messaging.Failed(cmd, "card_declined", false, cmd.IssuedAt), nil
	}))
	assert.NoError(t, declined(context.Background(), msg))

	unsupported := CommandHandler(logging.Discard(), svcFunc(func(context.Context, messaging.Command) (messaging.Reply, error) {
		return messaging.Reply{}, fmt.Errorf("%w: x", application.ErrUnsupportedCommand)
	}))
	assert.ErrorIs(t, unsupported(context.Background(), msg), messaging.ErrPermanent)

	boom := errors.New("db down")
	failing := CommandHandler(logging.Discard(), svcFunc(func(context.Context, messaging.Command) (messaging.Reply, error) {
		return messaging.Reply{}, boom
	}))
	assert.ErrorIs(t, failing(context.Background(), msg), boom)
}
