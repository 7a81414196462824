package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/domain"
)

var columns = []string{"order_id", "authorization_ref", "amount_cents", "captured_cents", "refunded_cents",
	"currency", "status", "created_at", "updated_at"}

func TestGetLocksRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FOR UPDATE").WithArgs("o1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("o1", "pi_1", int64(900), int64(900), int64(0), "USD", domain.StatusCaptured, at, at))

	p, err := NewRepository(mock).Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.Payment{OrderID: "o1", AuthorizationRef: "pi_1", AmountCents: 900, CapturedCents: 900,
		Currency: "USD", Status: domain.StatusCaptured, CreatedAt: at, UpdatedAt: at}, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM payments").WithArgs("o9").WillReturnError(pgx.ErrNoRows)
	_, err = NewRepository(mock).Get(context.Background(), "o9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := domain.NewAuthorized("o1", "pi_1", 900, "USD", at)
	mock.ExpectExec("ON CONFLICT \\(order_id\\) DO UPDATE").
		WithArgs("o1", "pi_1", int64(900), int64(0), int64(0), "USD", domain.StatusAuthorized, at, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewRepository(mock).Save(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}
