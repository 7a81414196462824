package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/commerce-order-platform/internal/order/application"
	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
)

// StoreDirectory reads per-store order settings. Stores without a row get
// the configured fallback.
type StoreDirectory struct {
	db       outbox.DB
	fallback application.Store
}

func NewStoreDirectory(db outbox.DB, fallback application.Store) *StoreDirectory {
	return &StoreDirectory{db: db, fallback: fallback}
}

func (d *StoreDirectory) Lookup(ctx context.Context, storeID string) (application.Store, error) {
	s := application.Store{ID: storeID}
	var rate string
	err := d.db.QueryRow(ctx, `SELECT order_prefix, currency, tax_rate::text FROM stores WHERE id=$1`, storeID).
		Scan(&s.Prefix, &s.Currency, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		s.Prefix, s.Currency, s.TaxRate = d.fallback.Prefix, d.fallback.Currency, d.fallback.TaxRate
		return s, nil
	}
	if err != nil {
		return application.Store{}, err
	}
	if s.TaxRate, err = decimal.NewFromString(rate); err != nil {
		return application.Store{}, fmt.Errorf("store %s tax rate %q: %w", storeID, rate, err)
	}
	return s, nil
}
