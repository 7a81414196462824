package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

const conflictRetries = 5

type ReplyService interface {
	HandleReply(ctx context.Context, r messaging.Reply) error
}

// ReplyHandler feeds saga.replies into the coordinator. A concurrent saga
// update is retried against the fresh saga before the consumer's own
// retry policy applies.
func ReplyHandler(log *slog.Logger, svc ReplyService) messaging.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		r, err := messaging.DecodeReply(msg)
		if err != nil {
			return err
		}
		for attempt := 1; ; attempt++ {
			err = svc.HandleReply(ctx, r)
			if !errors.Is(err, domain.ErrVersionConflict) || attempt == conflictRetries {
				break
			}
			log.Debug("saga version conflict, retrying reply", "saga_id", r.SagaID, "command_id", r.CommandID, "attempt", attempt)
		}
		if err != nil {
			log.Error("saga reply failed", "saga_id", r.SagaID, "command_id", r.CommandID, "err", err)
		}
		return err
	}
}
