// Package gateway implements domain.Gateway against Stripe and a local
// simulation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/domain"
)

// Stripe authorizes with manual-capture PaymentIntents and captures or
// cancels them later.
type Stripe struct {
	client *client.API
}

func NewStripe(apiKey string) *Stripe {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Stripe{client: sc}
}

func (s *Stripe) Authorize(ctx context.Context, req domain.AuthorizeRequest) (string, error) {
	if req.AmountCents <= 0 {
		return "", domain.ErrInvalidAmount
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(req.PaymentMethod),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	params.Context = ctx

	pi, err := s.client.PaymentIntents.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return "", fmt.Errorf("%w: intent %s is %s", domain.ErrDeclined, pi.ID, pi.Status)
	}
	return pi.ID, nil
}

func (s *Stripe) Capture(ctx context.Context, ref string, amountCents int64, key string) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amountCents)}
	params.IdempotencyKey = stripe.String(key)
	params.Context = ctx
	if _, err := s.client.PaymentIntents.Capture(ref, params); err != nil {
		return mapStripeError(err)
	}
	return nil
}

func (s *Stripe) Void(ctx context.Context, ref string, key string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.IdempotencyKey = stripe.String(key)
	params.Context = ctx
	if _, err := s.client.PaymentIntents.Cancel(ref, params); err != nil {
		return mapStripeError(err)
	}
	return nil
}

func (s *Stripe) Refund(ctx context.Context, ref string, amountCents int64, key string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
		Amount:        stripe.Int64(amountCents),
	}
	params.IdempotencyKey = stripe.String(key)
	params.Context = ctx
	r, err := s.client.Refunds.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return r.ID, nil
}

// mapStripeError keeps stripe types out of the application layer: card
// problems become ErrDeclined, outages and throttling ErrGatewayUnavailable.
func mapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("stripe: %w", err)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: stripe status %d", domain.ErrGatewayUnavailable, se.HTTPStatusCode)
	}
	switch se.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return fmt.Errorf("%w: %s", domain.ErrGatewayUnavailable, se.Code)
	case stripe.ErrorCodeCardDeclined, stripe.ErrorCodeExpiredCard, stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeBalanceInsufficient:
		return fmt.Errorf("%w: %s", domain.ErrDeclined, se.Msg)
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: rate limited", domain.ErrGatewayUnavailable)
	}
	if se.Type == stripe.ErrorTypeCard {
		return fmt.Errorf("%w: %s", domain.ErrDeclined, se.Msg)
	}
	return fmt.Errorf("stripe %s: %s", se.Code, se.Msg)
}
