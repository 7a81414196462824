package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/order/application"
	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
)

var created = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func orderRow() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "number", "store_id", "customer_id", "customer_email", "currency",
		"shipping_address", "billing_address", "subtotal_cents", "discount_cents", "shipping_cents", "tax_cents",
		"total_cents", "status", "financial_status", "fulfillment_status", "cancel_reason", "version", "created_at", "updated_at", "payment_method"}).
		AddRow("o-1", "ORD-250601-0000018", "store-1", "cus-1", "ada@example.com", "USD",
			(*domain.Address)(nil), (*domain.Address)(nil), int64(2000), int64(0), int64(500), int64(0),
			int64(2500), domain.StatusConfirmed, domain.FinancialAuthorized, domain.FulfillmentUnfulfilled, "", int64(3), created, created, "pm_card_visa")
}

func TestRepositoryGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ids := []string{"o-1"}
	mock.ExpectQuery("SELECT id, number").WithArgs("o-1").WillReturnRows(orderRow())
	mock.ExpectQuery("FROM order_items").WithArgs(ids).WillReturnRows(
		pgxmock.NewRows([]string{"order_id", "id", "sku", "title", "quantity", "unit_price_cents", "discount_cents",
			"requires_shipping", "fulfilled_quantity", "returned_quantity"}).
			AddRow("o-1", "li-1", "BOOK", "Book", 2, int64(1000), int64(0), true, 0, 0))
	mock.ExpectQuery("FROM order_transactions").WithArgs(ids).WillReturnRows(
		pgxmock.NewRows([]string{"order_id", "id", "kind", "status", "amount_cents", "reference", "created_at"}).
			AddRow("o-1", "tx-1", domain.KindAuthorization, domain.TxSuccess, int64(2500), "pi_123", created))
	mock.ExpectQuery("FROM order_history").WithArgs(ids).WillReturnRows(
		pgxmock.NewRows([]string{"order_id", "from_status", "to_status", "event", "actor", "reason", "at"}).
			AddRow("o-1", domain.StatusPending, domain.StatusConfirmed, domain.EventConfirm, "saga", "", created))

	repo := NewRepository(logging.Discard(), mock, "order.events")
	o, err := repo.Get(context.Background(), "o-1")
	require.NoError(t, err)

	assert.Equal(t, "ORD-250601-0000018", o.Number)
	assert.Equal(t, domain.StatusConfirmed, o.Status)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "BOOK", o.Items[0].SKU)
	require.Len(t, o.Transactions, 1)
	assert.Equal(t, "pi_123", o.Transactions[0].Reference)
	require.Len(t, o.History, 1)
	assert.Equal(t, domain.EventConfirm, o.History[0].Event)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, number").WithArgs("nope").WillReturnRows(pgxmock.NewRows([]string{"id"}))

	repo := NewRepository(logging.Discard(), mock, "order.events")
	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepositoryUpdateVersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	o := domain.Order{ID: "o-1", Version: 4, Status: domain.StatusCancelled, UpdatedAt: created}
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders").
		WithArgs("o-1", int64(4), o.Status, o.FinancialStatus, o.FulfillmentStatus, "", created).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("o-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	repo := NewRepository(logging.Discard(), mock, "order.events")
	err = repo.Update(context.Background(), o, nil)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryUpdateWritesOutbox(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	o := domain.Order{ID: "o-1", Number: "ORD-250601-0000018", Version: 2, Status: domain.StatusCancelled, UpdatedAt: created}
	events := []domain.DomainEvent{{Type: domain.EventTypeOrderStatusChanged, Payload: map[string]string{"to": "cancelled"}}}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("order", "o-1", "order.events", domain.EventTypeOrderStatusChanged, []byte(`{"to":"cancelled"}`),
			map[string]string{"order_number": "ORD-250601-0000018"}, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	repo := NewRepository(logging.Discard(), mock, "order.events")
	require.NoError(t, repo.Update(context.Background(), o, events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryListBuildsFilter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE customer_id=\$1 AND status=\$2 ORDER BY created_at DESC, id LIMIT \$3 OFFSET \$4`).
		WithArgs("cus-1", domain.StatusPending, 20, 40).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	repo := NewRepository(logging.Discard(), mock, "order.events")
	got, err := repo.List(context.Background(), application.ListFilter{CustomerID: "cus-1", Status: domain.StatusPending, Limit: 20, Offset: 40})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryStranded(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := created.Add(time.Minute)
	mock.ExpectQuery(`FROM orders o\s+WHERE status=\$1 AND created_at < \$2\s+AND NOT EXISTS \(SELECT 1 FROM sagas s WHERE s.order_id = o.id\)`).
		WithArgs(domain.StatusPending, cutoff, 50).
		WillReturnRows(orderRow())
	ids := []string{"o-1"}
	mock.ExpectQuery("FROM order_items").WithArgs(ids).WillReturnRows(
		pgxmock.NewRows([]string{"order_id", "id", "sku", "title", "quantity", "unit_price_cents", "discount_cents",
			"requires_shipping", "fulfilled_quantity", "returned_quantity"}))
	mock.ExpectQuery("FROM order_transactions").WithArgs(ids).WillReturnRows(
		pgxmock.NewRows([]string{"order_id", "id", "kind", "status", "amount_cents", "reference", "created_at"}))
	mock.ExpectQuery("FROM order_history").WithArgs(ids).WillReturnRows(
		pgxmock.NewRows([]string{"order_id", "from_status", "to_status", "event", "actor", "reason", "at"}))

	repo := NewRepository(logging.Discard(), mock, "order.events")
	got, err := repo.Stranded(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o-1", got[0].ID)
	assert.Equal(t, "pm_card_visa", got[0].PaymentMethod)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDirectory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM stores").WithArgs("eu-1").
		WillReturnRows(pgxmock.NewRows([]string{"order_prefix", "currency", "tax_rate"}).AddRow("EU", "EUR", "0.19000"))
	mock.ExpectQuery("FROM stores").WithArgs("unknown").
		WillReturnRows(pgxmock.NewRows([]string{"order_prefix", "currency", "tax_rate"}))

	dir := NewStoreDirectory(mock, application.Store{Prefix: "ORD", Currency: "USD", TaxRate: decimal.Zero})

	eu, err := dir.Lookup(context.Background(), "eu-1")
	require.NoError(t, err)
	assert.Equal(t, "EU", eu.Prefix)
	assert.True(t, eu.TaxRate.Equal(decimal.RequireFromString("0.19")))

	def, err := dir.Lookup(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", def.ID)
	assert.Equal(t, "ORD", def.Prefix)
}
