package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/application"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type CommandService interface {
	Handle(ctx context.Context, cmd messaging.Command) (messaging.Reply, error)
}

// CommandHandler turns payment.commands messages into service calls.
// Gateway failures come back as failure replies; only infrastructure
// errors reach the consumer's retry loop.
func CommandHandler(log *slog.Logger, svc CommandService) messaging.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		cmd, err := messaging.DecodeCommand(msg)
		if err != nil {
			return err
		}
		reply, err := svc.Handle(ctx, cmd)
		if err != nil {
			if errors.Is(err, application.ErrUnsupportedCommand) {
				return fmt.Errorf("%w: %v", messaging.ErrPermanent, err)
			}
			log.Error("payment command failed", "command_id", cmd.ID, "order_id", cmd.OrderID, "err", err)
			return err
		}
		if !reply.Success {
			log.Warn("payment command rejected", "command_id", cmd.ID, "order_id", cmd.OrderID, "reason", reply.Reason)
		}
		return nil
	}
}
