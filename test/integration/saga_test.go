//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	invapp "github.com/dmehra2102/commerce-order-platform/internal/inventory/application"
	invdomain "github.com/dmehra2102/commerce-order-platform/internal/inventory/domain"
	invkafka "github.com/dmehra2102/commerce-order-platform/internal/inventory/infrastructure/kafka"
	invpg "github.com/dmehra2102/commerce-order-platform/internal/inventory/infrastructure/postgres"
	orchapp "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/application"
	orchdomain "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	orchkafka "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/infrastructure/kafka"
	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/infrastructure/orders"
	orchpg "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/infrastructure/postgres"
	orderapp "github.com/dmehra2102/commerce-order-platform/internal/order/application"
	orderdomain "github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	orderpg "github.com/dmehra2102/commerce-order-platform/internal/order/infrastructure/postgres"
	orderredis "github.com/dmehra2102/commerce-order-platform/internal/order/infrastructure/redis"
	payapp "github.com/dmehra2102/commerce-order-platform/internal/payment/application"
	"github.com/dmehra2102/commerce-order-platform/internal/payment/infrastructure/gateway"
	paykafka "github.com/dmehra2102/commerce-order-platform/internal/payment/infrastructure/kafka"
	paypg "github.com/dmehra2102/commerce-order-platform/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/migrations"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/participant"
	"github.com/dmehra2102/commerce-order-platform/pkg/idempotency"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
)

var env *Env

func TestMain(m *testing.M) {
	ctx := context.Background()
	var err error
	env, err = Setup(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "integration setup:", err)
		os.Exit(1)
	}
	if err := migrations.Up(env.PGURL, logging.Discard()); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		env.Teardown(ctx)
		os.Exit(1)
	}
	code := m.Run()
	env.Teardown(ctx)
	os.Exit(code)
}

type platform struct {
	pool    *pgxpool.Pool
	svc     *orderapp.Service
	sagas   *orchapp.Coordinator
	starter *starter
}

// stockCheck stands in for the gRPC hop to the inventory service.
type stockCheck struct{ svc *invapp.Service }

func (s stockCheck) CheckStock(ctx context.Context, items []messaging.Item) (bool, error) {
	lines := make([]invdomain.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, invdomain.Line{SKU: it.SKU, Quantity: it.Quantity})
	}
	err := s.svc.CheckStock(ctx, lines)
	if err != nil {
		if errors.Is(err, invdomain.ErrInsufficientStock) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type starter struct {
	c    **orchapp.Coordinator
	fail atomic.Bool
}

func (s *starter) Start(ctx context.Context, o orderdomain.Order, method string) error {
	if s.fail.Load() {
		return errors.New("coordinator unavailable")
	}
	return (*s.c).Start(ctx, o, method)
}

// startPlatform runs the order, inventory and payment services in-process
// on topics private to the test.
func startPlatform(t *testing.T) *platform {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := logging.Discard()

	suffix := strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-"))
	topics := struct{ events, replies, inventory, payment string }{
		"order.events." + suffix, "saga.replies." + suffix, "inventory.commands." + suffix, "payment.commands." + suffix,
	}
	require.NoError(t, env.CreateTopics(topics.events, topics.replies, topics.inventory, topics.payment))

	pool, err := pgxpool.New(ctx, env.PGURL)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	writer := messaging.NewWriter(env.KAddr)

	invSvc := invapp.NewService(log, participant.NewLedger(log, pool, "inventory-service", topics.replies, invpg.Bind), invpg.NewRepository(pool))
	paySvc := payapp.NewService(log, participant.NewLedger(log, pool, "payment-service", topics.replies, paypg.Bind), gateway.NewSimulated(1_000_000))

	var coordinator *orchapp.Coordinator
	start := &starter{c: &coordinator}
	svc := orderapp.NewService(log,
		orderpg.NewRepository(log, pool, topics.events),
		stockCheck{invSvc},
		start,
		orderpg.NewStoreDirectory(pool, orderapp.Store{Prefix: "ITG", Currency: "USD", TaxRate: decimal.Zero}),
		orderredis.NewSequencer(rdb),
	)
	coordinator = orchapp.NewCoordinator(log, orchpg.NewStore(pool), orders.NewAdapter(svc),
		orchapp.Topics{Inventory: topics.inventory, Payment: topics.payment},
		orchdomain.Policy{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, StepTimeout: 30 * time.Second})

	dedupe := idempotency.NewStore(rdb, time.Minute)
	consumer := func(name, topic string, h messaging.Handler) *messaging.Consumer {
		return messaging.NewConsumer(log, name, messaging.NewReader(env.KAddr, topic, name+"-"+suffix), dedupe, h,
			messaging.WithRetry(3, 50*time.Millisecond))
	}
	relay := outbox.NewRelay(log, outbox.NewPgStore(log, pool, 0), outbox.NewDispatcher(log, writer, topics.events),
		"it-"+suffix, outbox.WithInterval(50*time.Millisecond))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		return consumer("inventory", topics.inventory, invkafka.CommandHandler(log, invSvc)).Run(gctx)
	})
	g.Go(func() error {
		return consumer("payment", topics.payment, paykafka.CommandHandler(log, paySvc)).Run(gctx)
	})
	g.Go(func() error {
		return consumer("replies", topics.replies, orchkafka.ReplyHandler(log, coordinator)).Run(gctx)
	})

	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
		_ = writer.Close()
		_ = rdb.Close()
		pool.Close()
	})
	return &platform{pool: pool, svc: svc, sagas: coordinator, starter: start}
}

func (p *platform) seedStock(t *testing.T, sku string, available int) {
	t.Helper()
	_, err := p.pool.Exec(context.Background(),
		`INSERT INTO stock (sku, available) VALUES ($1,$2) ON CONFLICT (sku) DO UPDATE SET available=$2, reserved=0, sold=0`, sku, available)
	require.NoError(t, err)
}

func (p *platform) stock(t *testing.T, sku string) (available, reserved, sold int) {
	t.Helper()
	require.NoError(t, p.pool.QueryRow(context.Background(),
		`SELECT available, reserved, sold FROM stock WHERE sku=$1`, sku).Scan(&available, &reserved, &sold))
	return
}

func (p *platform) waitSaga(t *testing.T, orderID string, want orchdomain.SagaState) orchdomain.Saga {
	t.Helper()
	var s orchdomain.Saga
	require.Eventually(t, func() bool {
		var err error
		s, err = p.sagas.SagaForOrder(context.Background(), orderID)
		return err == nil && s.State == want
	}, 60*time.Second, 200*time.Millisecond, "saga never reached %s (last %s)", want, s.State)
	return s
}

func input(sku string, qty int, method string) orderapp.PlaceOrderInput {
	return orderapp.PlaceOrderInput{
		StoreID:       "it-store",
		CustomerID:    "cust-1",
		CustomerEmail: "ada@example.com",
		Items:         []orderdomain.ItemInput{{SKU: sku, Title: "Widget", Quantity: qty, UnitPriceCents: 1250, RequiresShipping: true}},
		ShippingAddress: &orderdomain.Address{
			Name: "Ada Lovelace", Line1: "12 St James's Square", City: "London", PostalCode: "SW1Y 4JH", Country: "GB",
		},
		PaymentMethod: method,
	}
}

func TestPlaceOrderSagaCompletes(t *testing.T) {
	p := startPlatform(t)
	p.seedStock(t, "IT-HAPPY", 10)

	o, err := p.svc.PlaceOrder(context.Background(), input("IT-HAPPY", 2, "pm_card_visa"))
	require.NoError(t, err)
	require.NoError(t, orderdomain.ValidateNumber(o.Number))

	s := p.waitSaga(t, o.ID, orchdomain.SagaCompleted)
	for _, step := range s.Steps {
		assert.Equal(t, orchdomain.StepSucceeded, step.State, step.Name)
	}

	got, err := p.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusConfirmed, got.Status)
	assert.Equal(t, orderdomain.FinancialPaid, got.FinancialStatus)

	available, reserved, sold := p.stock(t, "IT-HAPPY")
	assert.Equal(t, []int{8, 0, 2}, []int{available, reserved, sold})
}

func TestDeclinedPaymentCompensates(t *testing.T) {
	p := startPlatform(t)
	p.seedStock(t, "IT-DECLINE", 5)

	o, err := p.svc.PlaceOrder(context.Background(), input("IT-DECLINE", 3, gateway.MethodDeclined))
	require.NoError(t, err)

	p.waitSaga(t, o.ID, orchdomain.SagaCompensated)

	got, err := p.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelled, got.Status)
	assert.NotEmpty(t, got.CancelReason)

	available, reserved, sold := p.stock(t, "IT-DECLINE")
	assert.Equal(t, []int{5, 0, 0}, []int{available, reserved, sold})
}

func TestOutOfStockIsRejectedBeforeTheSaga(t *testing.T) {
	p := startPlatform(t)
	p.seedStock(t, "IT-SHORT", 1)

	_, err := p.svc.PlaceOrder(context.Background(), input("IT-SHORT", 2, "pm_card_visa"))
	assert.ErrorIs(t, err, orderapp.ErrStockUnavailable)
}

func TestStrandedOrderIsResumed(t *testing.T) {
	p := startPlatform(t)
	p.seedStock(t, "IT-STRANDED", 4)

	p.starter.fail.Store(true)
	o, err := p.svc.PlaceOrder(context.Background(), input("IT-STRANDED", 1, "pm_card_visa"))
	require.Error(t, err)
	require.NotEmpty(t, o.ID)
	_, err = p.sagas.SagaForOrder(context.Background(), o.ID)
	require.ErrorIs(t, err, orchdomain.ErrSagaNotFound)

	p.starter.fail.Store(false)
	n, err := p.svc.ResumeStranded(context.Background(), 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	p.waitSaga(t, o.ID, orchdomain.SagaCompleted)
	got, err := p.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusConfirmed, got.Status)
	assert.Equal(t, "pm_card_visa", got.PaymentMethod)
}
