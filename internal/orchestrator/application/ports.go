package application

import (
	"context"
	"errors"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

// Dispatch is a command bound for a participant topic. Stores write
// dispatches to the outbox in the same transaction as the saga row.
type Dispatch struct {
	Topic   string
	Command messaging.Command
}

type Store interface {
	// Create returns domain.ErrSagaExists when the order already has a
	// saga of that name.
	Create(ctx context.Context, s domain.Saga, out []Dispatch) error
	Get(ctx context.Context, id string) (domain.Saga, error)
	GetByOrder(ctx context.Context, name, orderID string) (domain.Saga, error)
	// Update stores s only if the stored version is s.Version-1.
	Update(ctx context.Context, s domain.Saga, out []Dispatch) error
	Active(ctx context.Context, limit int) ([]domain.Saga, error)
}

// ErrStepRejected marks a local step the order refused. It is a business
// outcome and drives compensation; any other error is retried.
var ErrStepRejected = errors.New("saga step rejected")

// Orders is the order service as seen by the saga. Every method is
// idempotent.
type Orders interface {
	Confirm(ctx context.Context, orderID string) error
	Cancel(ctx context.Context, orderID, reason string) error
	RecordTransaction(ctx context.Context, orderID string, tx messaging.TransactionPayload) error
}
