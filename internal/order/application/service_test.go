package application

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type memRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	events    []domain.DomainEvent
	conflicts int
	hasSaga   func(orderID string) bool
}

func newMemRepo() *memRepo { return &memRepo{orders: map[string]domain.Order{}} }

func (r *memRepo) Create(_ context.Context, o domain.Order, events []domain.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o.Clone()
	r.events = append(r.events, events...)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *memRepo) GetByNumber(_ context.Context, number string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Number == number {
			return o.Clone(), nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (r *memRepo) List(_ context.Context, f ListFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *memRepo) Update(_ context.Context, o domain.Order, events []domain.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrVersionConflict
	}
	cur, ok := r.orders[o.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != o.Version-1 {
		return domain.ErrVersionConflict
	}
	r.orders[o.ID] = o.Clone()
	r.events = append(r.events, events...)
	return nil
}

func (r *memRepo) Stranded(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.Status != domain.StatusPending || !o.CreatedAt.Before(cutoff) || r.hasSaga(o.ID) {
			continue
		}
		out = append(out, o.Clone())
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type stubInventory struct {
	ok  bool
	err error
	got []messaging.Item
}

func (s *stubInventory) CheckStock(_ context.Context, items []messaging.Item) (bool, error) {
	s.got = items
	return s.ok, s.err
}

type recordingSagas struct {
	started []string
	method  string
	err     error
}

func (r *recordingSagas) Start(_ context.Context, o domain.Order, method string) error {
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, o.ID)
	r.method = method
	return nil
}

func (r *recordingSagas) has(orderID string) bool {
	return slices.Contains(r.started, orderID)
}

type staticStores struct{ prefix string }

func (s staticStores) Lookup(_ context.Context, id string) (Store, error) {
	prefix := s.prefix
	if prefix == "" {
		prefix = "TST"
	}
	return Store{ID: id, Prefix: prefix, Currency: "USD", TaxRate: decimal.RequireFromString("0.1")}, nil
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(inv *stubInventory) (*Service, *memRepo, *recordingSagas) {
	repo := newMemRepo()
	sagas := &recordingSagas{}
	repo.hasSaga = sagas.has
	svc := NewService(logging.Discard(), repo, inv, sagas, staticStores{}, domain.NewMemorySequencer())
	svc.now = func() time.Time { return now }
	return svc, repo, sagas
}

func placeInput() PlaceOrderInput {
	return PlaceOrderInput{
		StoreID:       "store-1",
		CustomerID:    "cus-1",
		CustomerEmail: "ada@example.com",
		Items: []domain.ItemInput{
			{SKU: "BOOK", Title: "Book", Quantity: 2, UnitPriceCents: 1000, RequiresShipping: true},
		},
		ShippingAddress: &domain.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		ShippingCents:   500,
		PaymentMethod:   "pm_card_visa",
	}
}

func TestPlaceOrder(t *testing.T) {
	inv := &stubInventory{ok: true}
	svc, repo, sagas := newTestService(inv)

	o, err := svc.PlaceOrder(context.Background(), placeInput())
	require.NoError(t, err)

	assert.Equal(t, int64(2000+500+200), o.TotalCents)
	assert.Equal(t, "USD", o.Currency)
	assert.Regexp(t, `^TST-250601-000001\d$`, o.Number)
	assert.Equal(t, []messaging.Item{{SKU: "BOOK", Quantity: 2}}, inv.got)
	assert.Equal(t, []string{o.ID}, sagas.started)
	assert.Equal(t, "pm_card_visa", sagas.method)
	assert.Equal(t, []string{domain.EventTypeOrderCreated}, repo.eventTypes())

	byNumber, err := svc.GetOrderByNumber(context.Background(), o.Number)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byNumber.ID)
}

func TestPlaceOrder_OutOfStock(t *testing.T) {
	svc, repo, sagas := newTestService(&stubInventory{ok: false})

	_, err := svc.PlaceOrder(context.Background(), placeInput())
	assert.ErrorIs(t, err, ErrStockUnavailable)
	assert.Empty(t, repo.orders)
	assert.Empty(t, sagas.started)
}

func TestPlaceOrder_Invalid(t *testing.T) {
	svc, _, _ := newTestService(&stubInventory{ok: true})
	in := placeInput()
	in.Items = nil

	_, err := svc.PlaceOrder(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestPlaceOrder_StoreWithBadPrefix(t *testing.T) {
	repo := newMemRepo()
	sagas := &recordingSagas{}
	repo.hasSaga = sagas.has
	svc := NewService(logging.Discard(), repo, &stubInventory{ok: true}, sagas, staticStores{prefix: "MY-SHOP"}, domain.NewMemorySequencer())

	_, err := svc.PlaceOrder(context.Background(), placeInput())
	assert.ErrorIs(t, err, domain.ErrInvalidPrefix)
	assert.Empty(t, repo.orders)
	assert.Empty(t, sagas.started)
}

func TestPlaceOrder_SagaStartFailsThenResumed(t *testing.T) {
	svc, repo, sagas := newTestService(&stubInventory{ok: true})
	sagas.err = errors.New("saga store unavailable")

	o, err := svc.PlaceOrder(context.Background(), placeInput())
	require.Error(t, err)
	require.NotEmpty(t, o.ID)
	assert.Contains(t, repo.orders, o.ID)
	assert.Equal(t, "pm_card_visa", repo.orders[o.ID].PaymentMethod)
	assert.Empty(t, sagas.started)

	n, err := svc.ResumeStranded(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "orders inside the grace period are left alone")

	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	n, err = svc.ResumeStranded(context.Background(), time.Minute)
	assert.Error(t, err)
	assert.Zero(t, n)

	sagas.err = nil
	n, err = svc.ResumeStranded(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{o.ID}, sagas.started)
	assert.Equal(t, "pm_card_visa", sagas.method)

	n, err = svc.ResumeStranded(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPlaceOrder_InventoryDown(t *testing.T) {
	boom := errors.New("connection refused")
	svc, _, _ := newTestService(&stubInventory{err: boom})

	_, err := svc.PlaceOrder(context.Background(), placeInput())
	assert.ErrorIs(t, err, boom)
}

func TestGetOrderByNumber_Malformed(t *testing.T) {
	svc, _, _ := newTestService(&stubInventory{ok: true})
	_, err := svc.GetOrderByNumber(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidOrderNumber)
}

func placed(t *testing.T, svc *Service) domain.Order {
	t.Helper()
	o, err := svc.PlaceOrder(context.Background(), placeInput())
	require.NoError(t, err)
	return o
}

func TestLifecycle(t *testing.T) {
	svc, repo, _ := newTestService(&stubInventory{ok: true})
	ctx := context.Background()
	o := placed(t, svc)

	_, err := svc.Transition(ctx, o.ID, domain.EventConfirm, "saga", "")
	require.ErrorIs(t, err, domain.ErrGuardFailed)

	o, err = svc.RecordTransaction(ctx, o.ID, domain.Transaction{ID: "auth-1", Kind: domain.KindAuthorization, Status: domain.TxSuccess, AmountCents: o.TotalCents})
	require.NoError(t, err)
	assert.Equal(t, domain.FinancialAuthorized, o.FinancialStatus)

	o, err = svc.Transition(ctx, o.ID, domain.EventConfirm, "saga", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, o.Status)

	item := o.Items[0].ID
	o, err = svc.RecordFulfillment(ctx, o.ID, map[string]int{item: 1}, "warehouse")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyShipped, o.Status)

	o, err = svc.RecordFulfillment(ctx, o.ID, map[string]int{item: 1}, "warehouse")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, o.Status)

	o, err = svc.Transition(ctx, o.ID, domain.EventDeliver, "carrier", "")
	require.NoError(t, err)

	o, err = svc.RecordReturn(ctx, o.ID, map[string]int{item: 1}, "ops", "damaged")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, o.Status)
	assert.Equal(t, domain.FulfillmentPartiallyReturned, o.FulfillmentStatus)

	o, err = svc.RecordReturn(ctx, o.ID, map[string]int{item: 1}, "ops", "damaged")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReturned, o.Status)

	assert.Contains(t, repo.eventTypes(), domain.EventTypeOrderFinancialStatusChanged)
	assert.Contains(t, repo.eventTypes(), domain.EventTypeOrderFulfillmentStatusChanged)
	assert.Equal(t, int64(8), o.Version)
}

func TestTransition_RetriesOnceOnConflict(t *testing.T) {
	svc, repo, _ := newTestService(&stubInventory{ok: true})
	o := placed(t, svc)

	repo.conflicts = 1
	got, err := svc.Cancel(context.Background(), o.ID, "customer", "too slow")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	other := placed(t, svc)
	repo.conflicts = 2
	_, err = svc.Cancel(context.Background(), other.ID, "customer", "")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestTransition_NotFound(t *testing.T) {
	svc, _, _ := newTestService(&stubInventory{ok: true})
	_, err := svc.Cancel(context.Background(), "missing", "x", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListOrders_ClampsLimit(t *testing.T) {
	svc, _, _ := newTestService(&stubInventory{ok: true})
	placed(t, svc)

	got, err := svc.ListOrders(context.Background(), ListFilter{CustomerID: "cus-1", Limit: 10000})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
