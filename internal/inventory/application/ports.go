package application

import (
	"context"
	"time"

	"github.com/dmehra2102/commerce-order-platform/internal/inventory/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

// StockRepository is bound to one transaction by the CommandRunner.
type StockRepository interface {
	// LockLevels returns the levels of skus and holds their rows until
	// the transaction ends.
	LockLevels(ctx context.Context, skus []string) (map[string]domain.Stock, error)
	// Move adds the deltas to a SKU's available, reserved and sold units.
	Move(ctx context.Context, sku string, available, reserved, sold int) error
	FindReservation(ctx context.Context, orderID string) (domain.Reservation, error)
	SaveReservation(ctx context.Context, r domain.Reservation) error
}

type StockReader interface {
	Levels(ctx context.Context, skus []string) (map[string]domain.Stock, error)
}

type CommandRunner interface {
	Do(ctx context.Context, cmd messaging.Command, fn func(ctx context.Context, repo StockRepository) (messaging.Reply, error)) (messaging.Reply, error)
}

type clock func() time.Time
