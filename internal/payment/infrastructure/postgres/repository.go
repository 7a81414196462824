package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/application"
	"github.com/dmehra2102/commerce-order-platform/internal/payment/domain"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	q querier
}

func NewRepository(q querier) *Repository {
	return &Repository{q: q}
}

// Bind returns the transaction-scoped repository for a saga command.
func Bind(tx pgx.Tx) application.PaymentRepository {
	return &Repository{q: tx}
}

// Get locks the payment row until the command transaction ends, so two
// commands for one order never interleave their gateway calls.
func (r *Repository) Get(ctx context.Context, orderID string) (domain.Payment, error) {
	var p domain.Payment
	err := r.q.QueryRow(ctx, `SELECT order_id, authorization_ref, amount_cents, captured_cents, refunded_cents,
		currency, status, created_at, updated_at FROM payments WHERE order_id=$1 FOR UPDATE`, orderID).
		Scan(&p.OrderID, &p.AuthorizationRef, &p.AmountCents, &p.CapturedCents, &p.RefundedCents,
			&p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.ErrNotFound
	}
	return p, err
}

func (r *Repository) Save(ctx context.Context, p domain.Payment) error {
	_, err := r.q.Exec(ctx, `INSERT INTO payments (order_id, authorization_ref, amount_cents, captured_cents,
		refunded_cents, currency, status, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_id) DO UPDATE SET captured_cents=$4, refunded_cents=$5, status=$7, updated_at=$9`,
		p.OrderID, p.AuthorizationRef, p.AmountCents, p.CapturedCents, p.RefundedCents,
		p.Currency, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}
