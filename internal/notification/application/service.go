// Package application turns order events into notifications and fans them
// out to every configured channel.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/commerce-order-platform/internal/notification/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/metrics"
)

// OrderEvent is the part of an order.events payload notifications use.
// Status fields carry the status kind named by Type.
type OrderEvent struct {
	Type          string `json:"-"`
	OrderID       string `json:"order_id"`
	Number        string `json:"number"`
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	From          string `json:"from"`
	To            string `json:"to"`
	Reason        string `json:"reason"`
	TotalCents    int64  `json:"total_cents"`
	NetPaidCents  int64  `json:"net_paid_cents"`
	Currency      string `json:"currency"`
}

// TemplateFor picks the template for ev, or "" when the event is not
// worth a notification.
func TemplateFor(ev OrderEvent) string {
	switch ev.Type {
	case "OrderCreated":
		return TemplateOrderCreated
	case "OrderStatusChanged":
		switch ev.To {
		case "confirmed":
			return TemplateOrderConfirmed
		case "shipped":
			return TemplateOrderShipped
		case "delivered":
			return TemplateOrderDelivered
		case "cancelled":
			return TemplateOrderCancelled
		}
	case "OrderFinancialStatusChanged":
		if ev.To == "refunded" {
			return TemplateOrderRefunded
		}
	}
	return ""
}

type Service struct {
	log     *slog.Logger
	factory *domain.Factory
	now     func() time.Time
}

func NewService(log *slog.Logger, factory *domain.Factory) *Service {
	return &Service{log: log, factory: factory, now: time.Now}
}

// Handle renders ev and sends it on every channel. A failing channel does
// not stop the others; all failures are joined into the returned error.
func (s *Service) Handle(ctx context.Context, ev OrderEvent) error {
	name := TemplateFor(ev)
	if name == "" {
		s.log.Debug("event needs no notification", "type", ev.Type, "order_id", ev.OrderID)
		return nil
	}
	subject, body, err := Render(name, ev)
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range s.factory.Channels() {
		n, err := s.factory.For(ch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msg := domain.Notification{
			ID:          uuid.NewString(),
			Channel:     ch,
			Template:    name,
			EventType:   ev.Type,
			OrderID:     ev.OrderID,
			OrderNumber: ev.Number,
			CustomerID:  ev.CustomerID,
			Recipient:   ev.CustomerEmail,
			Subject:     subject,
			Body:        body,
			CreatedAt:   s.now().UTC(),
		}
		if err := n.Send(ctx, msg); err != nil {
			metrics.NotificationsSent.WithLabelValues(string(ch), "failed").Inc()
			s.log.Warn("notification failed", "channel", ch, "order_id", ev.OrderID, "template", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		metrics.NotificationsSent.WithLabelValues(string(ch), "sent").Inc()
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Info("notifications sent", "order_id", ev.OrderID, "template", name)
	return nil
}
