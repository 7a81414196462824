package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

var ErrUnsupportedCommand = errors.New("unsupported payment command")

// Transaction kinds and statuses shared with the order service.
const (
	kindAuthorization = "authorization"
	kindCapture       = "capture"
	kindVoid          = "void"
	kindRefund        = "refund"
	txSuccess         = "success"
)

type Service struct {
	log     *slog.Logger
	runner  CommandRunner
	gateway domain.Gateway
	group   singleflight.Group
	now     func() time.Time
}

func NewService(log *slog.Logger, runner CommandRunner, gateway domain.Gateway) *Service {
	return &Service{log: log, runner: runner, gateway: gateway, now: time.Now}
}

// Handle executes a payment command. Concurrent deliveries of the same
// command share one execution.
func (s *Service) Handle(ctx context.Context, cmd messaging.Command) (messaging.Reply, error) {
	var step func(context.Context, PaymentRepository, messaging.Command, messaging.PaymentPayload) (messaging.Reply, error)
	switch cmd.Type {
	case messaging.AuthorizePayment:
		step = s.authorize
	case messaging.CapturePayment:
		step = s.capture
	case messaging.VoidPayment:
		step = s.void
	case messaging.RefundPayment:
		step = s.refund
	default:
		return messaging.Reply{}, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Type)
	}

	v, err, shared := s.group.Do(cmd.ID, func() (any, error) {
		return s.runner.Do(ctx, cmd, func(ctx context.Context, repo PaymentRepository) (messaging.Reply, error) {
			var payload messaging.PaymentPayload
			if len(cmd.Payload) > 0 {
				if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
					return messaging.Failed(cmd, "malformed payment payload", false, s.now()), nil
				}
			}
			return step(ctx, repo, cmd, payload)
		})
	})
	if err != nil {
		return messaging.Reply{}, err
	}
	reply := v.(messaging.Reply)
	s.log.Info("payment command handled", "command_id", cmd.ID, "type", cmd.Type, "order_id", cmd.OrderID,
		"success", reply.Success, "retryable", reply.Retryable, "shared", shared)
	return reply, nil
}

func (s *Service) transaction(cmd messaging.Command, id, kind string, amount int64, ref string) (messaging.Reply, error) {
	return messaging.Succeeded(cmd, messaging.PaymentResult{Transaction: messaging.TransactionPayload{
		ID:          id,
		Kind:        kind,
		Status:      txSuccess,
		AmountCents: amount,
		Reference:   ref,
		CreatedAt:   s.now().UTC(),
	}}, s.now())
}

// gatewayFailure turns a provider error into a failure reply. Errors the
// provider may recover from are marked retryable for the saga.
func (s *Service) gatewayFailure(cmd messaging.Command, err error) messaging.Reply {
	s.log.Warn("gateway call failed", "command_id", cmd.ID, "type", cmd.Type, "err", err)
	return messaging.Failed(cmd, err.Error(), domain.IsRetryable(err), s.now())
}

func (s *Service) authorize(ctx context.Context, repo PaymentRepository, cmd messaging.Command, in messaging.PaymentPayload) (messaging.Reply, error) {
	existing, err := repo.Get(ctx, cmd.OrderID)
	switch {
	case err == nil:
		if existing.Status == domain.StatusVoided {
			return messaging.Failed(cmd, "authorization was voided", false, s.now()), nil
		}
		return s.transaction(cmd, existing.AuthorizationRef, kindAuthorization, existing.AmountCents, existing.AuthorizationRef)
	case !errors.Is(err, domain.ErrNotFound):
		return messaging.Reply{}, err
	}
	if in.AmountCents <= 0 {
		return messaging.Failed(cmd, domain.ErrInvalidAmount.Error(), false, s.now()), nil
	}

	ref, err := s.gateway.Authorize(ctx, domain.AuthorizeRequest{
		OrderID:        cmd.OrderID,
		AmountCents:    in.AmountCents,
		Currency:       in.Currency,
		CustomerID:     in.CustomerID,
		PaymentMethod:  in.PaymentMethod,
		IdempotencyKey: cmd.ID,
	})
	if err != nil {
		return s.gatewayFailure(cmd, err), nil
	}
	if err := repo.Save(ctx, domain.NewAuthorized(cmd.OrderID, ref, in.AmountCents, in.Currency, s.now())); err != nil {
		return messaging.Reply{}, err
	}
	return s.transaction(cmd, ref, kindAuthorization, in.AmountCents, ref)
}

func (s *Service) capture(ctx context.Context, repo PaymentRepository, cmd messaging.Command, _ messaging.PaymentPayload) (messaging.Reply, error) {
	p, err := repo.Get(ctx, cmd.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return messaging.Failed(cmd, err.Error(), false, s.now()), nil
	}
	if err != nil {
		return messaging.Reply{}, err
	}
	if p.Status == domain.StatusAuthorized {
		if err := s.gateway.Capture(ctx, p.AuthorizationRef, p.AmountCents, cmd.ID); err != nil {
			return s.gatewayFailure(cmd, err), nil
		}
		if err := p.Capture(s.now()); err != nil {
			return messaging.Reply{}, err
		}
		if err := repo.Save(ctx, p); err != nil {
			return messaging.Reply{}, err
		}
	} else if p.CapturedCents == 0 {
		return messaging.Failed(cmd, fmt.Sprintf("cannot capture a %s payment", p.Status), false, s.now()), nil
	}
	return s.transaction(cmd, p.AuthorizationRef+":capture", kindCapture, p.CapturedCents, p.AuthorizationRef)
}

func (s *Service) void(ctx context.Context, repo PaymentRepository, cmd messaging.Command, _ messaging.PaymentPayload) (messaging.Reply, error) {
	p, err := repo.Get(ctx, cmd.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return messaging.Succeeded(cmd, nil, s.now())
	}
	if err != nil {
		return messaging.Reply{}, err
	}
	switch p.Status {
	case domain.StatusVoided:
	case domain.StatusAuthorized:
		if err := s.gateway.Void(ctx, p.AuthorizationRef, cmd.ID); err != nil {
			return s.gatewayFailure(cmd, err), nil
		}
		if err := p.Void(s.now()); err != nil {
			return messaging.Reply{}, err
		}
		if err := repo.Save(ctx, p); err != nil {
			return messaging.Reply{}, err
		}
	default:
		return messaging.Failed(cmd, fmt.Sprintf("cannot void a %s payment", p.Status), false, s.now()), nil
	}
	return s.transaction(cmd, p.AuthorizationRef+":void", kindVoid, 0, p.AuthorizationRef)
}

func (s *Service) refund(ctx context.Context, repo PaymentRepository, cmd messaging.Command, in messaging.PaymentPayload) (messaging.Reply, error) {
	p, err := repo.Get(ctx, cmd.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return messaging.Failed(cmd, err.Error(), false, s.now()), nil
	}
	if err != nil {
		return messaging.Reply{}, err
	}
	amount, err := p.Refund(in.AmountCents, s.now())
	if err != nil {
		return messaging.Failed(cmd, err.Error(), false, s.now()), nil
	}
	refundRef, err := s.gateway.Refund(ctx, p.AuthorizationRef, amount, cmd.ID)
	if err != nil {
		return s.gatewayFailure(cmd, err), nil
	}
	if err := repo.Save(ctx, p); err != nil {
		return messaging.Reply{}, err
	}
	return s.transaction(cmd, refundRef, kindRefund, amount, refundRef)
}
