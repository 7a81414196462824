package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type Service struct {
	log     *slog.Logger
	repo    OrderRepository
	inv     InventoryChecker
	sagas   SagaStarter
	stores  StoreDirectory
	seq     domain.Sequencer
	machine *domain.StateMachine
	now     func() time.Time
}

func NewService(log *slog.Logger, repo OrderRepository, inv InventoryChecker, sagas SagaStarter, stores StoreDirectory, seq domain.Sequencer) *Service {
	return &Service{
		log:     log,
		repo:    repo,
		inv:     inv,
		sagas:   sagas,
		stores:  stores,
		seq:     seq,
		machine: domain.NewStateMachine(),
		now:     time.Now,
	}
}

// Machine exposes the state machine so callers can list available events.
func (s *Service) Machine() *domain.StateMachine { return s.machine }

type PlaceOrderInput struct {
	StoreID         string             `json:"store_id"`
	CustomerID      string             `json:"customer_id"`
	CustomerEmail   string             `json:"customer_email"`
	Currency        string             `json:"currency"`
	Items           []domain.ItemInput `json:"items"`
	ShippingAddress *domain.Address    `json:"shipping_address"`
	BillingAddress  *domain.Address    `json:"billing_address"`
	DiscountCents   int64              `json:"discount_cents"`
	ShippingCents   int64              `json:"shipping_cents"`
	PaymentMethod   string             `json:"payment_method"`
}

func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (domain.Order, error) {
	store, err := s.stores.Lookup(ctx, in.StoreID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("lookup store: %w", err)
	}
	currency := in.Currency
	if currency == "" {
		currency = store.Currency
	}

	b := domain.NewBuilder(store.ID, currency).
		Customer(in.CustomerID, in.CustomerEmail).
		Discount(in.DiscountCents).
		Shipping(in.ShippingCents).
		TaxRate(store.TaxRate)
	if in.ShippingAddress != nil {
		b.ShipTo(*in.ShippingAddress)
	}
	if in.BillingAddress != nil {
		b.BillTo(*in.BillingAddress)
	}
	for _, it := range in.Items {
		b.AddItem(it)
	}

	numbers, err := domain.NewNumberFactory(s.seq, store.Prefix)
	if err != nil {
		return domain.Order{}, fmt.Errorf("store %s: %w", in.StoreID, err)
	}
	o, err := b.Build(ctx, numbers, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	o.PaymentMethod = in.PaymentMethod

	ok, err := s.inv.CheckStock(ctx, stockItems(o))
	if err != nil {
		return domain.Order{}, fmt.Errorf("check stock: %w", err)
	}
	if !ok {
		return domain.Order{}, ErrStockUnavailable
	}

	if err := s.repo.Create(ctx, o, []domain.DomainEvent{domain.Created(o)}); err != nil {
		return domain.Order{}, fmt.Errorf("save order: %w", err)
	}
	s.log.Info("order placed", "order_id", o.ID, "number", o.Number, "total_cents", o.TotalCents)

	// A failed start leaves the order pending without a saga until
	// ResumeStranded picks it up.
	if err := s.sagas.Start(ctx, o, o.PaymentMethod); err != nil {
		return o, fmt.Errorf("start saga for order %s: %w", o.ID, err)
	}
	return o, nil
}

const strandedBatch = 100

// ResumeStranded starts sagas for pending orders older than grace that have
// none. Start is idempotent per order, so racing a slow PlaceOrder is safe.
func (s *Service) ResumeStranded(ctx context.Context, grace time.Duration) (int, error) {
	orders, err := s.repo.Stranded(ctx, s.now().Add(-grace), strandedBatch)
	if err != nil {
		return 0, fmt.Errorf("list stranded orders: %w", err)
	}
	started := 0
	var errs []error
	for _, o := range orders {
		if err := s.sagas.Start(ctx, o, o.PaymentMethod); err != nil {
			s.log.Error("resume stranded order failed", "order_id", o.ID, "err", err)
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		s.log.Info("stranded order resumed", "order_id", o.ID, "number", o.Number)
		started++
	}
	return started, errors.Join(errs...)
}

func stockItems(o domain.Order) []messaging.Item {
	items := make([]messaging.Item, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, messaging.Item{SKU: it.SKU, Quantity: it.Quantity})
	}
	return items
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (domain.Order, error) {
	if err := domain.ValidateNumber(number); err != nil {
		return domain.Order{}, err
	}
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) ListOrders(ctx context.Context, f ListFilter) ([]domain.Order, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.List(ctx, f)
}

func (s *Service) Transition(ctx context.Context, id string, ev domain.Event, actor, reason string) (domain.Order, error) {
	return s.mutate(ctx, id, func(o domain.Order, now time.Time) (domain.Order, error) {
		next, _, err := s.machine.Fire(o, ev, actor, reason, now)
		return next, err
	})
}

func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (domain.Order, error) {
	return s.Transition(ctx, id, domain.EventCancel, actor, reason)
}

func (s *Service) RecordTransaction(ctx context.Context, id string, tx domain.Transaction) (domain.Order, error) {
	return s.mutate(ctx, id, func(o domain.Order, now time.Time) (domain.Order, error) {
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		return domain.RecordTransaction(o, tx)
	})
}

// RecordFulfillment applies shipped quantities and moves the order to
// partially_shipped or shipped.
func (s *Service) RecordFulfillment(ctx context.Context, id string, lines map[string]int, actor string) (domain.Order, error) {
	return s.mutate(ctx, id, func(o domain.Order, now time.Time) (domain.Order, error) {
		next, err := domain.ApplyFulfillment(o, lines)
		if err != nil {
			return o, err
		}
		if next.Status == domain.StatusConfirmed {
			if next, _, err = s.machine.Fire(next, domain.EventStartProcessing, actor, "", now); err != nil {
				return o, err
			}
		}
		next, _, err = s.machine.Fire(next, domain.EventShip, actor, "", now)
		if err != nil {
			return o, err
		}
		return next, nil
	})
}

// RecordReturn applies returned quantities. The order only moves to
// returned once every fulfilled unit came back.
func (s *Service) RecordReturn(ctx context.Context, id string, lines map[string]int, actor, reason string) (domain.Order, error) {
	return s.mutate(ctx, id, func(o domain.Order, now time.Time) (domain.Order, error) {
		next, err := domain.ApplyReturn(o, lines)
		if err != nil {
			return o, err
		}
		if next.FulfillmentStatus == domain.FulfillmentReturned && s.machine.Can(next.Status, domain.EventReturn) {
			if next, _, err = s.machine.Fire(next, domain.EventReturn, actor, reason, now); err != nil {
				return o, err
			}
		}
		return next, nil
	})
}

// mutate loads the order, applies fn and stores the result. A concurrent
// write is retried once against the fresh copy.
func (s *Service) mutate(ctx context.Context, id string, fn func(domain.Order, time.Time) (domain.Order, error)) (domain.Order, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return domain.Order{}, err
		}
		now := s.now().UTC()
		next, err := fn(cur, now)
		if err != nil {
			return cur, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		err = s.repo.Update(ctx, next, domain.Changes(cur, next))
		if errors.Is(err, domain.ErrVersionConflict) && attempt == 0 {
			s.log.Warn("order version conflict, retrying", "order_id", id, "version", cur.Version)
			continue
		}
		if err != nil {
			return cur, err
		}
		return next, nil
	}
}
