package domain

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusAuthorized        Status = "authorized"
	StatusCaptured          Status = "captured"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
	StatusVoided            Status = "voided"
)

var (
	ErrNotFound      = errors.New("payment not found")
	ErrInvalidState  = errors.New("payment is not in a state that allows this")
	ErrInvalidAmount = errors.New("invalid payment amount")
)

// Payment tracks one order's authorization at the gateway.
type Payment struct {
	OrderID          string
	AuthorizationRef string
	AmountCents      int64
	CapturedCents    int64
	RefundedCents    int64
	Currency         string
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewAuthorized(orderID, ref string, amount int64, currency string, now time.Time) Payment {
	now = now.UTC()
	return Payment{
		OrderID:          orderID,
		AuthorizationRef: ref,
		AmountCents:      amount,
		Currency:         currency,
		Status:           StatusAuthorized,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (p *Payment) Capture(now time.Time) error {
	if p.Status != StatusAuthorized {
		return fmt.Errorf("%w: capture from %s", ErrInvalidState, p.Status)
	}
	p.CapturedCents = p.AmountCents
	p.Status = StatusCaptured
	p.UpdatedAt = now.UTC()
	return nil
}

func (p *Payment) Void(now time.Time) error {
	if p.Status != StatusAuthorized {
		return fmt.Errorf("%w: void from %s", ErrInvalidState, p.Status)
	}
	p.Status = StatusVoided
	p.UpdatedAt = now.UTC()
	return nil
}

// Refund returns amount of the captured funds; zero means whatever is left.
func (p *Payment) Refund(amount int64, now time.Time) (int64, error) {
	if p.Status != StatusCaptured && p.Status != StatusPartiallyRefunded {
		return 0, fmt.Errorf("%w: refund from %s", ErrInvalidState, p.Status)
	}
	left := p.CapturedCents - p.RefundedCents
	if amount == 0 {
		amount = left
	}
	if amount < 0 || amount > left {
		return 0, fmt.Errorf("%w: refund %d of %d refundable", ErrInvalidAmount, amount, left)
	}
	p.RefundedCents += amount
	p.Status = StatusPartiallyRefunded
	if p.RefundedCents == p.CapturedCents {
		p.Status = StatusRefunded
	}
	p.UpdatedAt = now.UTC()
	return amount, nil
}
