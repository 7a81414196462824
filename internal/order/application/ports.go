package application

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type ListFilter struct {
	CustomerID string
	Status     domain.OrderStatus
	Limit      int
	Offset     int
}

// OrderRepository persists orders together with their outbox events.
type OrderRepository interface {
	Create(ctx context.Context, o domain.Order, events []domain.DomainEvent) error
	Get(ctx context.Context, id string) (domain.Order, error)
	GetByNumber(ctx context.Context, number string) (domain.Order, error)
	List(ctx context.Context, f ListFilter) ([]domain.Order, error)
	// Update stores o when the stored version is o.Version-1 and returns
	// domain.ErrVersionConflict otherwise.
	Update(ctx context.Context, o domain.Order, events []domain.DomainEvent) error
	// Stranded lists pending orders created before cutoff that never got a
	// saga, oldest first.
	Stranded(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

type InventoryChecker interface {
	CheckStock(ctx context.Context, items []messaging.Item) (bool, error)
}

type SagaStarter interface {
	Start(ctx context.Context, o domain.Order, paymentMethod string) error
}

type Store struct {
	ID       string
	Prefix   string
	Currency string
	TaxRate  decimal.Decimal
}

type StoreDirectory interface {
	Lookup(ctx context.Context, storeID string) (Store, error)
}

var ErrStockUnavailable = errors.New("stock unavailable")
