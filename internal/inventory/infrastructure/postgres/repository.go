package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/commerce-order-platform/internal/inventory/application"
	"github.com/dmehra2102/commerce-order-platform/internal/inventory/domain"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository runs stock queries on a pool for reads or on a command
// transaction for changes.
type Repository struct {
	q querier
}

func NewRepository(q querier) *Repository {
	return &Repository{q: q}
}

// Bind returns the transaction-scoped repository for a saga command.
func Bind(tx pgx.Tx) application.StockRepository {
	return &Repository{q: tx}
}

func (r *Repository) Levels(ctx context.Context, skus []string) (map[string]domain.Stock, error) {
	return r.levels(ctx, `SELECT sku, available, reserved, sold FROM stock WHERE sku = ANY($1)`, skus)
}

func (r *Repository) LockLevels(ctx context.Context, skus []string) (map[string]domain.Stock, error) {
	return r.levels(ctx, `SELECT sku, available, reserved, sold FROM stock WHERE sku = ANY($1) ORDER BY sku FOR UPDATE`, skus)
}

func (r *Repository) levels(ctx context.Context, query string, skus []string) (map[string]domain.Stock, error) {
	rows, err := r.q.Query(ctx, query, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Stock, len(skus))
	for rows.Next() {
		var s domain.Stock
		if err := rows.Scan(&s.SKU, &s.Available, &s.Reserved, &s.Sold); err != nil {
			return nil, err
		}
		out[s.SKU] = s
	}
	return out, rows.Err()
}

func (r *Repository) Move(ctx context.Context, sku string, available, reserved, sold int) error {
	ct, err := r.q.Exec(ctx, `UPDATE stock SET available = available + $2, reserved = reserved + $3, sold = sold + $4 WHERE sku = $1`,
		sku, available, reserved, sold)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("move stock: unknown sku %s", sku)
	}
	return nil
}

func (r *Repository) FindReservation(ctx context.Context, orderID string) (domain.Reservation, error) {
	rows, err := r.q.Query(ctx, `SELECT sku, quantity, status, updated_at FROM reservations WHERE order_id=$1 ORDER BY sku`, orderID)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer rows.Close()

	res := domain.Reservation{OrderID: orderID}
	for rows.Next() {
		var (
			l  domain.Line
			at time.Time
		)
		if err := rows.Scan(&l.SKU, &l.Quantity, &res.Status, &at); err != nil {
			return domain.Reservation{}, err
		}
		res.Lines = append(res.Lines, l)
		if at.After(res.UpdatedAt) {
			res.UpdatedAt = at
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Reservation{}, err
	}
	if len(res.Lines) == 0 {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res, nil
}

func (r *Repository) SaveReservation(ctx context.Context, res domain.Reservation) error {
	if len(res.Lines) == 0 {
		return errors.New("save reservation: no lines")
	}
	for _, l := range res.Lines {
		_, err := r.q.Exec(ctx, `INSERT INTO reservations (order_id, sku, quantity, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$5)
			ON CONFLICT (order_id, sku) DO UPDATE SET status=$4, updated_at=$5`,
			res.OrderID, l.SKU, l.Quantity, res.Status, res.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}
