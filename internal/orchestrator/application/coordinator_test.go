package application_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/application"
	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/infrastructure/memory"
	orderdomain "github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type fakeOrders struct {
	mu         sync.Mutex
	confirmErr error
	confirmed  []string
	cancelled  map[string]string
	txs        []messaging.TransactionPayload
}

func (f *fakeOrders) Confirm(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, orderID)
	return nil
}

func (f *fakeOrders) Cancel(_ context.Context, orderID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled == nil {
		f.cancelled = map[string]string{}
	}
	f.cancelled[orderID] = reason
	return nil
}

func (f *fakeOrders) RecordTransaction(_ context.Context, _ string, tx messaging.TransactionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
	return nil
}

type harness struct {
	t      *testing.T
	store  *memory.Store
	orders *fakeOrders
	coord  *application.Coordinator
	now    time.Time
}

var policy = domain.Policy{MaxAttempts: 3, BaseBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second, StepTimeout: 30 * time.Second}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, store: memory.NewStore(), orders: &fakeOrders{}, now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	h.coord = application.NewCoordinator(logging.Discard(), h.store, h.orders,
		application.Topics{Inventory: "inventory.commands", Payment: "payment.commands"}, policy,
		application.WithClock(func() time.Time { return h.now }),
		application.WithIDs(func() string { return "saga-1" }))
	return h
}

func order() orderdomain.Order {
	return orderdomain.Order{
		ID:         "o1",
		Number:     "TST-250501-0000012",
		CustomerID: "c1",
		Currency:   "USD",
		TotalCents: 2200,
		Items:      []orderdomain.LineItem{{ID: "li1", SKU: "A", Quantity: 2}},
	}
}

func (h *harness) start() {
	require.NoError(h.t, h.coord.Start(context.Background(), order(), "pm_card_visa"))
}

func (h *harness) last() application.Dispatch {
	d := h.store.Dispatched()
	require.NotEmpty(h.t, d)
	return d[len(d)-1]
}

func (h *harness) saga() domain.Saga {
	s, err := h.store.Get(context.Background(), "saga-1")
	require.NoError(h.t, err)
	return s
}

func (h *harness) reply(d application.Dispatch, success, retryable bool, reason string, payload any) {
	r := messaging.Reply{
		CommandID: d.Command.ID,
		SagaID:    d.Command.SagaID,
		OrderID:   d.Command.OrderID,
		Type:      d.Command.Type,
		Success:   success,
		Retryable: retryable,
		Reason:    reason,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(h.t, err)
		r.Payload = raw
	}
	require.NoError(h.t, h.coord.HandleReply(context.Background(), r))
}

func paymentTx(id, kind string, amount int64) messaging.PaymentResult {
	return messaging.PaymentResult{Transaction: messaging.TransactionPayload{ID: id, Kind: kind, Status: "success", AmountCents: amount, Reference: "pi_1"}}
}

func TestPlaceOrderSagaCompletes(t *testing.T) {
	h := newHarness(t)
	h.start()

	reserve := h.last()
	assert.Equal(t, "inventory.commands", reserve.Topic)
	assert.Equal(t, "saga-1:reserve_inventory:1", reserve.Command.ID)
	assert.Equal(t, messaging.ReserveInventory, reserve.Command.Type)
	var inv messaging.InventoryPayload
	require.NoError(t, json.Unmarshal(reserve.Command.Payload, &inv))
	assert.Equal(t, []messaging.Item{{SKU: "A", Quantity: 2}}, inv.Items)

	h.reply(reserve, true, false, "", nil)
	authorize := h.last()
	assert.Equal(t, "payment.commands", authorize.Topic)
	assert.Equal(t, messaging.AuthorizePayment, authorize.Command.Type)
	var pay messaging.PaymentPayload
	require.NoError(t, json.Unmarshal(authorize.Command.Payload, &pay))
	assert.Equal(t, int64(2200), pay.AmountCents)
	assert.Equal(t, "pm_card_visa", pay.PaymentMethod)

	h.reply(authorize, true, false, "", paymentTx("pi_1", "authorization", 2200))
	assert.Equal(t, []string{"o1"}, h.orders.confirmed)
	capture := h.last()
	assert.Equal(t, messaging.CapturePayment, capture.Command.Type)
	require.NoError(t, json.Unmarshal(capture.Command.Payload, &pay))
	assert.Equal(t, "pi_1", pay.AuthorizationRef)

	h.reply(capture, true, false, "", paymentTx("pi_1:capture", "capture", 2200))
	commit := h.last()
	assert.Equal(t, messaging.CommitInventory, commit.Command.Type)

	h.reply(commit, true, false, "", nil)
	s := h.saga()
	assert.Equal(t, domain.SagaCompleted, s.State)
	for _, st := range s.Steps {
		assert.Equal(t, domain.StepSucceeded, st.State, st.Name)
	}
	require.Len(t, h.orders.txs, 2)
	assert.Equal(t, "authorization", h.orders.txs[0].Kind)
	assert.Equal(t, "capture", h.orders.txs[1].Kind)
	assert.Empty(t, h.orders.cancelled)
}

func TestStartIsIdempotentPerOrder(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.start()
	assert.Len(t, h.store.Dispatched(), 1)
}

func TestStaleReplyIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()
	before := h.saga()

	stale := h.last()
	stale.Command.ID = "saga-1:reserve_inventory:0"
	h.reply(stale, true, false, "", nil)

	assert.Equal(t, before.Version, h.saga().Version)
	assert.Len(t, h.store.Dispatched(), 1)
}

func TestPaymentDeclinedCompensates(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.reply(h.last(), true, false, "", nil)
	h.reply(h.last(), false, false, "card_declined", nil)

	s := h.saga()
	assert.Equal(t, domain.SagaCompensating, s.State)
	release := h.last()
	assert.Equal(t, messaging.ReleaseInventory, release.Command.Type)
	assert.Equal(t, "saga-1:release_inventory:1", release.Command.ID)

	h.reply(release, true, false, "", nil)
	s = h.saga()
	assert.Equal(t, domain.SagaCompensated, s.State)
	assert.Equal(t, "authorize_payment: card_declined", s.Failure)
	assert.Equal(t, domain.StepCompensated, s.Steps[0].State)
	assert.Equal(t, domain.StepFailed, s.Steps[1].State)
	assert.Equal(t, "authorize_payment: card_declined", h.orders.cancelled["o1"])
	assert.Empty(t, h.orders.confirmed)
}

func TestReservationFailureCancelsOrder(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.reply(h.last(), false, false, "insufficient stock", nil)

	s := h.saga()
	assert.Equal(t, domain.SagaCompensated, s.State)
	assert.Len(t, h.store.Dispatched(), 1)
	assert.Contains(t, h.orders.cancelled["o1"], "insufficient stock")
}

func TestRetryableFailureBacksOff(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.reply(h.last(), true, false, "", nil)
	h.reply(h.last(), false, true, "gateway unavailable", nil)

	s := h.saga()
	step := s.Steps[1]
	assert.Equal(t, domain.StepPending, step.State)
	require.NotNil(t, step.NextAttemptAt)
	assert.Equal(t, h.now.Add(2*time.Second), *step.NextAttemptAt)

	moved, err := h.coord.Recover(context.Background(), h.now.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = h.coord.Recover(context.Background(), h.now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	retry := h.last()
	assert.Equal(t, "saga-1:authorize_payment:2", retry.Command.ID)
	assert.Equal(t, 2, retry.Command.Attempt)
}

func TestRetriesExhaustedCompensate(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.reply(h.last(), true, false, "", nil)
	for i := 0; i < policy.MaxAttempts; i++ {
		h.reply(h.last(), false, true, "gateway unavailable", nil)
		if i < policy.MaxAttempts-1 {
			_, err := h.coord.Recover(context.Background(), h.now.Add(time.Minute))
			require.NoError(t, err)
		}
	}
	s := h.saga()
	assert.Equal(t, domain.SagaCompensating, s.State)
	assert.Equal(t, messaging.ReleaseInventory, h.last().Command.Type)
}

func TestFailureAfterPivotNeverCompensates(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.reply(h.last(), true, false, "", nil)
	h.reply(h.last(), true, false, "", paymentTx("pi_1", "authorization", 2200))
	h.reply(h.last(), false, false, "authorization expired", nil)

	s := h.saga()
	assert.Equal(t, domain.SagaFailed, s.State)
	assert.Equal(t, "capture_payment: authorization expired", s.Failure)
	assert.Equal(t, messaging.CapturePayment, h.last().Command.Type)
	assert.Empty(t, h.orders.cancelled)
}

func TestConfirmRejectedVoidsAndReleases(t *testing.T) {
	h := newHarness(t)
	h.orders.confirmErr = fmt.Errorf("%w: guard rejected", application.ErrStepRejected)
	h.start()
	h.reply(h.last(), true, false, "", nil)
	h.reply(h.last(), true, false, "", paymentTx("pi_1", "authorization", 2200))

	void := h.last()
	assert.Equal(t, messaging.VoidPayment, void.Command.Type)
	h.reply(void, true, false, "", paymentTx("pi_1:void", "void", 0))

	release := h.last()
	assert.Equal(t, messaging.ReleaseInventory, release.Command.Type)
	h.reply(release, true, false, "", nil)

	s := h.saga()
	assert.Equal(t, domain.SagaCompensated, s.State)
	assert.Contains(t, h.orders.cancelled["o1"], "confirm_order")
	require.Len(t, h.orders.txs, 2)
	assert.Equal(t, "void", h.orders.txs[1].Kind)
}

func TestTimedOutCommandIsRedispatched(t *testing.T) {
	h := newHarness(t)
	h.start()
	first := h.last()

	moved, err := h.coord.Recover(context.Background(), h.now.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	second := h.last()
	assert.Equal(t, "saga-1:reserve_inventory:2", second.Command.ID)

	h.reply(first, true, false, "", nil)
	assert.Equal(t, domain.StepInFlight, h.saga().Steps[0].State)

	h.reply(second, true, false, "", nil)
	assert.Equal(t, domain.StepSucceeded, h.saga().Steps[0].State)
}

func TestCompensationExhaustionFailsSaga(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.reply(h.last(), true, false, "", nil)
	h.reply(h.last(), false, false, "card_declined", nil)
	for i := 0; i < policy.MaxAttempts; i++ {
		h.reply(h.last(), false, false, "db unavailable", nil)
		if i < policy.MaxAttempts-1 {
			_, err := h.coord.Recover(context.Background(), h.now.Add(time.Minute))
			require.NoError(t, err)
		}
	}
	s := h.saga()
	assert.Equal(t, domain.SagaFailed, s.State)
	assert.Equal(t, "compensation of reserve_inventory: db unavailable", s.Failure)
}
