package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmehra2102/commerce-order-platform/internal/order/application"
	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

type Repository struct {
	log   *slog.Logger
	db    outbox.DB
	topic string
}

// NewRepository writes order events to the outbox bound for topic.
func NewRepository(log *slog.Logger, db outbox.DB, topic string) *Repository {
	return &Repository{log: log, db: db, topic: topic}
}

const orderColumns = `id, number, store_id, customer_id, customer_email, currency, shipping_address, billing_address,
	subtotal_cents, discount_cents, shipping_cents, tax_cents, total_cents, status, financial_status,
	fulfillment_status, cancel_reason, version, created_at, updated_at, payment_method`

func (r *Repository) Create(ctx context.Context, o domain.Order, events []domain.DomainEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		o.ID, o.Number, o.StoreID, o.CustomerID, o.CustomerEmail, o.Currency, o.ShippingAddress, o.BillingAddress,
		o.SubtotalCents, o.DiscountCents, o.ShippingCents, o.TaxCents, o.TotalCents, o.Status, o.FinancialStatus,
		o.FulfillmentStatus, o.CancelReason, o.Version, o.CreatedAt, o.UpdatedAt, o.PaymentMethod)
	if err != nil {
		return err
	}

	for i, item := range o.Items {
		_, err = tx.Exec(ctx, `INSERT INTO order_items (order_id, id, sku, title, quantity, unit_price_cents,
				discount_cents, requires_shipping, fulfilled_quantity, returned_quantity, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			o.ID, item.ID, item.SKU, item.Title, item.Quantity, item.UnitPriceCents,
			item.DiscountCents, item.RequiresShipping, item.FulfilledQuantity, item.ReturnedQuantity, i)
		if err != nil {
			return err
		}
	}
	if err := r.writeChildren(ctx, tx, o); err != nil {
		return err
	}
	if err := r.writeEvents(ctx, tx, o, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Update(ctx context.Context, o domain.Order, events []domain.DomainEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE orders
		SET status=$3, financial_status=$4, fulfillment_status=$5, cancel_reason=$6, version=$2, updated_at=$7
		WHERE id=$1 AND version=$2 - 1`,
		o.ID, o.Version, o.Status, o.FinancialStatus, o.FulfillmentStatus, o.CancelReason, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrVersionConflict
	}

	for _, item := range o.Items {
		_, err = tx.Exec(ctx, `UPDATE order_items SET fulfilled_quantity=$3, returned_quantity=$4 WHERE order_id=$1 AND id=$2`,
			o.ID, item.ID, item.FulfilledQuantity, item.ReturnedQuantity)
		if err != nil {
			return err
		}
	}
	if err := r.writeChildren(ctx, tx, o); err != nil {
		return err
	}
	if err := r.writeEvents(ctx, tx, o, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// writeChildren appends transactions and history; rows already stored are
// left alone since both are append-only.
func (r *Repository) writeChildren(ctx context.Context, tx pgx.Tx, o domain.Order) error {
	for _, t := range o.Transactions {
		_, err := tx.Exec(ctx, `INSERT INTO order_transactions (order_id, id, kind, status, amount_cents, reference, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (order_id, id) DO NOTHING`,
			o.ID, t.ID, t.Kind, t.Status, t.AmountCents, t.Reference, t.CreatedAt)
		if err != nil {
			return err
		}
	}
	for i, h := range o.History {
		_, err := tx.Exec(ctx, `INSERT INTO order_history (order_id, seq, from_status, to_status, event, actor, reason, at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (order_id, seq) DO NOTHING`,
			o.ID, i, h.From, h.To, h.Event, h.Actor, h.Reason, h.At)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) writeEvents(ctx context.Context, tx pgx.Tx, o domain.Order, events []domain.DomainEvent) error {
	traceparent := tracing.Traceparent(ctx)
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", ev.Type, err)
		}
		err = outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "order",
			AggregateID:   o.ID,
			Topic:         r.topic,
			Type:          ev.Type,
			Payload:       payload,
			Headers:       map[string]string{"order_number": o.Number},
			Traceparent:   traceparent,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r *Repository) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE number=$1`, number)
}

func (r *Repository) getOne(ctx context.Context, query string, arg string) (domain.Order, error) {
	orders, err := r.query(ctx, query, arg)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, domain.ErrNotFound
	}
	return orders[0], nil
}

func (r *Repository) List(ctx context.Context, f application.ListFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return r.query(ctx, query, args...)
}

// Stranded returns pending orders created before cutoff that no saga row
// references, oldest first. Sagas live in the same database.
func (r *Repository) Stranded(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	return r.query(ctx, `SELECT `+orderColumns+` FROM orders o
		WHERE status=$1 AND created_at < $2
		AND NOT EXISTS (SELECT 1 FROM sagas s WHERE s.order_id = o.id)
		ORDER BY created_at LIMIT $3`, domain.StatusPending, cutoff, limit)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var (
		orders []domain.Order
		ids    []string
	)
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.Number, &o.StoreID, &o.CustomerID, &o.CustomerEmail, &o.Currency,
			&o.ShippingAddress, &o.BillingAddress, &o.SubtotalCents, &o.DiscountCents, &o.ShippingCents,
			&o.TaxCents, &o.TotalCents, &o.Status, &o.FinancialStatus, &o.FulfillmentStatus, &o.CancelReason,
			&o.Version, &o.CreatedAt, &o.UpdatedAt, &o.PaymentMethod); err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	if err := r.loadChildren(ctx, ids, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *Repository) loadChildren(ctx context.Context, ids []string, orders []domain.Order) error {
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		index[o.ID] = i
	}

	rows, err := r.db.Query(ctx, `SELECT order_id, id, sku, title, quantity, unit_price_cents, discount_cents,
			requires_shipping, fulfilled_quantity, returned_quantity
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return err
	}
	err = scanEach(rows, func() error {
		var orderID string
		var it domain.LineItem
		if err := rows.Scan(&orderID, &it.ID, &it.SKU, &it.Title, &it.Quantity, &it.UnitPriceCents, &it.DiscountCents,
			&it.RequiresShipping, &it.FulfilledQuantity, &it.ReturnedQuantity); err != nil {
			return err
		}
		o := &orders[index[orderID]]
		o.Items = append(o.Items, it)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	rows, err = r.db.Query(ctx, `SELECT order_id, id, kind, status, amount_cents, reference, created_at
		FROM order_transactions WHERE order_id = ANY($1) ORDER BY order_id, created_at, id`, ids)
	if err != nil {
		return err
	}
	err = scanEach(rows, func() error {
		var orderID string
		var t domain.Transaction
		if err := rows.Scan(&orderID, &t.ID, &t.Kind, &t.Status, &t.AmountCents, &t.Reference, &t.CreatedAt); err != nil {
			return err
		}
		o := &orders[index[orderID]]
		o.Transactions = append(o.Transactions, t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}

	rows, err = r.db.Query(ctx, `SELECT order_id, from_status, to_status, event, actor, reason, at
		FROM order_history WHERE order_id = ANY($1) ORDER BY order_id, seq`, ids)
	if err != nil {
		return err
	}
	err = scanEach(rows, func() error {
		var orderID string
		var h domain.StatusChange
		if err := rows.Scan(&orderID, &h.From, &h.To, &h.Event, &h.Actor, &h.Reason, &h.At); err != nil {
			return err
		}
		o := &orders[index[orderID]]
		o.History = append(o.History, h)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	return nil
}

func scanEach(rows pgx.Rows, fn func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return rows.Err()
}
