package application

import (
	"context"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

// PaymentRepository is bound to one command transaction. Get locks the row.
type PaymentRepository interface {
	Get(ctx context.Context, orderID string) (domain.Payment, error)
	Save(ctx context.Context, p domain.Payment) error
}

type CommandRunner interface {
	Do(ctx context.Context, cmd messaging.Command, fn func(ctx context.Context, repo PaymentRepository) (messaging.Reply, error)) (messaging.Reply, error)
}
