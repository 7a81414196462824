package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                  = errors.New("order not found")
	ErrVersionConflict           = errors.New("order was modified concurrently")
	ErrInvalidTransition         = errors.New("order status transition is not allowed")
	ErrGuardFailed               = errors.New("order transition guard rejected")
	ErrUnknownLineItem           = errors.New("unknown line item")
	ErrOverFulfillment           = errors.New("fulfilled quantity exceeds ordered quantity")
	ErrOverReturn                = errors.New("returned quantity exceeds fulfilled quantity")
	ErrInvalidQuantity           = errors.New("quantity must be positive")
	ErrRefundExceedsCaptured     = errors.New("refund exceeds captured amount")
	ErrCaptureExceedsAuthorized  = errors.New("capture exceeds authorized amount")
	ErrInvalidTransactionAmount  = errors.New("transaction amount must be positive")
	ErrInvalidOrder              = errors.New("invalid order")
	ErrInvalidOrderNumber        = errors.New("invalid order number")
	ErrInvalidPrefix             = errors.New("invalid order number prefix")
	ErrInvalidTransaction        = errors.New("invalid payment transaction")
	ErrOrderInTerminalStatus     = errors.New("order is in a terminal status")
	ErrUnknownEvent              = errors.New("unknown order event")
	ErrFulfillmentNotAllowedHere = errors.New("order status does not allow fulfillment")
)

// TransitionError describes a rejected state machine transition.
type TransitionError struct {
	From  OrderStatus
	Event Event
	Cause error
}

func (e *TransitionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cannot %s order in status %s: %v", e.Event, e.From, e.Cause)
	}
	return fmt.Sprintf("cannot %s order in status %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrInvalidTransition
}

// ValidationError collects every problem found while building an order.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %v", e.Problems)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidOrder }
