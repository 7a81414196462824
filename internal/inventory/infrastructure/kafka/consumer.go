package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/commerce-order-platform/internal/inventory/application"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type CommandService interface {
	Handle(ctx context.Context, cmd messaging.Command) (messaging.Reply, error)
}

// CommandHandler turns inventory.commands messages into service calls.
func CommandHandler(log *slog.Logger, svc CommandService) messaging.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		cmd, err := messaging.DecodeCommand(msg)
		if err != nil {
			return err
		}
		if _, err := svc.Handle(ctx, cmd); err != nil {
			if errors.Is(err, application.ErrUnsupportedCommand) {
				return fmt.Errorf("%w: %v", messaging.ErrPermanent, err)
			}
			log.Error("inventory command failed", "command_id", cmd.ID, "order_id", cmd.OrderID, "err", err)
			return err
		}
		return nil
	}
}
