package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/application"
	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

var at = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func saga() domain.Saga {
	return domain.New("s1", domain.PlaceOrder(), "o1", domain.Data{AmountCents: 900, Currency: "USD"}, at)
}

func TestCreateWritesCommands(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cmd := messaging.Command{ID: "s1:reserve_inventory:1", SagaID: "s1", OrderID: "o1", Type: messaging.ReserveInventory}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sagas").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("saga", "o1", "inventory.commands", "ReserveInventory", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = NewStore(mock).Create(context.Background(), saga(), []application.Dispatch{{Topic: "inventory.commands", Command: cmd}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sagas").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err = NewStore(mock).Create(context.Background(), saga(), nil)
	assert.ErrorIs(t, err, domain.ErrSagaExists)
}

func TestUpdateVersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sg := saga()
	sg.Version = 3
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sagas").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("s1").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err = NewStore(mock).Update(context.Background(), sg, nil)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestGetByOrderDecodesSteps(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sg := saga()
	sg.Steps[0].State = domain.StepSucceeded
	steps, err := json.Marshal(sg.Steps)
	require.NoError(t, err)
	data, err := json.Marshal(sg.Data)
	require.NoError(t, err)

	mock.ExpectQuery("WHERE name=\\$1 AND order_id=\\$2").WithArgs(domain.PlaceOrderSaga, "o1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "order_id", "state", "current", "steps", "data",
			"failure", "version", "created_at", "updated_at"}).
			AddRow("s1", domain.PlaceOrderSaga, "o1", domain.SagaRunning, 1, steps, data, "", int64(2), at, at))

	got, err := NewStore(mock).GetByOrder(context.Background(), domain.PlaceOrderSaga, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepSucceeded, got.Steps[0].State)
	assert.Equal(t, int64(900), got.Data.AmountCents)
	assert.Equal(t, 1, got.Current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("WHERE id=\\$1").WithArgs("nope").WillReturnRows(pgxmock.NewRows([]string{"id"}))
	_, err = NewStore(mock).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}
