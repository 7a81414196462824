// Package orders lets the saga drive the order service in-process.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/application"
	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

const actor = "saga"

type OrderService interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	Transition(ctx context.Context, id string, ev domain.Event, actor, reason string) (domain.Order, error)
	RecordTransaction(ctx context.Context, id string, tx domain.Transaction) (domain.Order, error)
}

type Adapter struct {
	svc OrderService
}

func NewAdapter(svc OrderService) *Adapter {
	return &Adapter{svc: svc}
}

// Confirm confirms a pending order. An order that already moved past
// pending counts as confirmed unless it was cancelled.
func (a *Adapter) Confirm(ctx context.Context, orderID string) error {
	o, err := a.svc.GetOrder(ctx, orderID)
	if err != nil {
		return rejected(err)
	}
	switch o.Status {
	case domain.StatusPending:
	case domain.StatusCancelled:
		return fmt.Errorf("%w: order %s was cancelled", application.ErrStepRejected, orderID)
	default:
		return nil
	}
	_, err = a.svc.Transition(ctx, orderID, domain.EventConfirm, actor, "")
	return rejected(err)
}

func (a *Adapter) Cancel(ctx context.Context, orderID, reason string) error {
	o, err := a.svc.GetOrder(ctx, orderID)
	if err != nil {
		return rejected(err)
	}
	if o.Status == domain.StatusCancelled {
		return nil
	}
	_, err = a.svc.Transition(ctx, orderID, domain.EventCancel, actor, reason)
	return rejected(err)
}

func (a *Adapter) RecordTransaction(ctx context.Context, orderID string, tx messaging.TransactionPayload) error {
	_, err := a.svc.RecordTransaction(ctx, orderID, domain.Transaction{
		ID:          tx.ID,
		Kind:        domain.TransactionKind(tx.Kind),
		Status:      domain.TransactionStatus(tx.Status),
		AmountCents: tx.AmountCents,
		Reference:   tx.Reference,
		CreatedAt:   tx.CreatedAt,
	})
	return rejected(err)
}

// rejected marks order-side refusals so the saga compensates instead of
// retrying them.
func rejected(err error) error {
	if err == nil {
		return nil
	}
	for _, business := range []error{
		domain.ErrNotFound,
		domain.ErrInvalidTransition,
		domain.ErrGuardFailed,
		domain.ErrOrderInTerminalStatus,
		domain.ErrInvalidTransactionAmount,
		domain.ErrCaptureExceedsAuthorized,
		domain.ErrRefundExceedsCaptured,
	} {
		if errors.Is(err, business) {
			return fmt.Errorf("%w: %v", application.ErrStepRejected, err)
		}
	}
	return err
}
