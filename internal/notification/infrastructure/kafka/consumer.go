// Package kafka feeds order.events into the notification service.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/commerce-order-platform/internal/notification/application"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

type EventService interface {
	Handle(ctx context.Context, ev application.OrderEvent) error
}

// EventHandler decodes an order event and hands it to svc. Events without a
// type header or with a malformed body are permanent failures.
func EventHandler(log *slog.Logger, svc EventService) messaging.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		eventType := tracing.HeaderValue(msg.Headers, "event_type")
		if eventType == "" {
			return fmt.Errorf("%w: order event without event_type", messaging.ErrPermanent)
		}
		var ev application.OrderEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("%w: decode %s: %v", messaging.ErrPermanent, eventType, err)
		}
		ev.Type = eventType
		if ev.OrderID == "" {
			ev.OrderID = string(msg.Key)
		}
		log.Debug("order event received", "type", eventType, "order_id", ev.OrderID)
		return svc.Handle(ctx, ev)
	}
}
