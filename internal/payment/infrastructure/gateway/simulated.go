package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/domain"
)

// Payment methods the simulated gateway treats specially.
const (
	MethodDeclined    = "pm_card_declined"
	MethodUnavailable = "pm_gateway_unavailable"
)

// Simulated is an in-process gateway for local runs. Authorizations above
// declineAbove cents are declined.
type Simulated struct {
	mu           sync.Mutex
	declineAbove int64
	byKey        map[string]string
	intents      map[string]string
}

func NewSimulated(declineAbove int64) *Simulated {
	return &Simulated{declineAbove: declineAbove, byKey: map[string]string{}, intents: map[string]string{}}
}

func (g *Simulated) Authorize(_ context.Context, req domain.AuthorizeRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.byKey[req.IdempotencyKey]; ok {
		return ref, nil
	}
	switch {
	case req.PaymentMethod == MethodUnavailable:
		return "", fmt.Errorf("%w: simulated outage", domain.ErrGatewayUnavailable)
	case req.PaymentMethod == MethodDeclined:
		return "", fmt.Errorf("%w: card_declined", domain.ErrDeclined)
	case g.declineAbove > 0 && req.AmountCents > g.declineAbove:
		return "", fmt.Errorf("%w: amount %d over limit", domain.ErrDeclined, req.AmountCents)
	}
	ref := "sim_pi_" + uuid.NewString()
	g.byKey[req.IdempotencyKey] = ref
	g.intents[ref] = "requires_capture"
	return ref, nil
}

func (g *Simulated) move(ref, from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.intents[ref]
	if !ok {
		return fmt.Errorf("%w: unknown intent %s", domain.ErrDeclined, ref)
	}
	if state == to {
		return nil
	}
	if state != from {
		return fmt.Errorf("%w: intent %s is %s", domain.ErrDeclined, ref, state)
	}
	g.intents[ref] = to
	return nil
}

func (g *Simulated) Capture(_ context.Context, ref string, _ int64, _ string) error {
	return g.move(ref, "requires_capture", "succeeded")
}

func (g *Simulated) Void(_ context.Context, ref string, _ string) error {
	return g.move(ref, "requires_capture", "canceled")
}

func (g *Simulated) Refund(_ context.Context, ref string, _ int64, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intents[ref] != "succeeded" {
		return "", fmt.Errorf("%w: intent %s was not captured", domain.ErrDeclined, ref)
	}
	if r, ok := g.byKey[key]; ok {
		return r, nil
	}
	r := "sim_re_" + uuid.NewString()
	g.byKey[key] = r
	return r, nil
}
