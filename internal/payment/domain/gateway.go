package domain

import (
	"context"
	"errors"
	"net"
	"syscall"
)

var (
	// ErrDeclined is a final answer from the provider; retrying will not help.
	ErrDeclined = errors.New("payment declined")
	// ErrGatewayUnavailable covers provider outages and throttling.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

type AuthorizeRequest struct {
	OrderID        string
	AmountCents    int64
	Currency       string
	CustomerID     string
	PaymentMethod  string
	IdempotencyKey string
}

// Gateway talks to the payment provider. Every call carries an idempotency
// key so a retried command never charges twice.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (ref string, err error)
	Capture(ctx context.Context, ref string, amountCents int64, idempotencyKey string) error
	Void(ctx context.Context, ref string, idempotencyKey string) error
	Refund(ctx context.Context, ref string, amountCents int64, idempotencyKey string) (refundRef string, err error)
}

// IsRetryable reports whether err is transient: provider outages,
// network timeouts and refused or reset connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeclined) {
		return false
	}
	if errors.Is(err, ErrGatewayUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
