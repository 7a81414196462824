// Package postgres persists sagas and writes their participant commands to
// the outbox in the same transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/application"
	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

const uniqueViolation = "23505"

const sagaColumns = `id, name, order_id, state, current, steps, data, failure, version, created_at, updated_at`

type Store struct {
	db outbox.DB
}

func NewStore(db outbox.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, sg domain.Saga, out []application.Dispatch) error {
	steps, data, err := encode(sg)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO sagas (`+sagaColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sg.ID, sg.Name, sg.OrderID, sg.State, sg.Current, steps, data, sg.Failure, sg.Version, sg.CreatedAt, sg.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrSagaExists
		}
		return err
	}
	if err := writeCommands(ctx, tx, out); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Update(ctx context.Context, sg domain.Saga, out []application.Dispatch) error {
	steps, data, err := encode(sg)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE sagas SET state=$3, current=$4, steps=$5, data=$6, failure=$7, version=$2, updated_at=$8
		WHERE id=$1 AND version=$2 - 1`,
		sg.ID, sg.Version, sg.State, sg.Current, steps, data, sg.Failure, sg.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sagas WHERE id=$1)`, sg.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrSagaNotFound
		}
		return domain.ErrVersionConflict
	}
	if err := writeCommands(ctx, tx, out); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (domain.Saga, error) {
	return s.one(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id=$1`, id)
}

func (s *Store) GetByOrder(ctx context.Context, name, orderID string) (domain.Saga, error) {
	return s.one(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE name=$1 AND order_id=$2`, name, orderID)
}

// Active returns running and compensating sagas, least recently touched
// first.
func (s *Store) Active(ctx context.Context, limit int) ([]domain.Saga, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sagaColumns+` FROM sagas
		WHERE state IN ('running', 'compensating') ORDER BY updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Saga
	for rows.Next() {
		sg, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *Store) one(ctx context.Context, query string, args ...any) (domain.Saga, error) {
	sg, err := scan(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Saga{}, domain.ErrSagaNotFound
	}
	return sg, err
}

func scan(row pgx.Row) (domain.Saga, error) {
	var (
		sg          domain.Saga
		steps, data []byte
	)
	if err := row.Scan(&sg.ID, &sg.Name, &sg.OrderID, &sg.State, &sg.Current, &steps, &data,
		&sg.Failure, &sg.Version, &sg.CreatedAt, &sg.UpdatedAt); err != nil {
		return domain.Saga{}, err
	}
	if err := json.Unmarshal(steps, &sg.Steps); err != nil {
		return domain.Saga{}, fmt.Errorf("decode saga %s steps: %w", sg.ID, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sg.Data); err != nil {
			return domain.Saga{}, fmt.Errorf("decode saga %s data: %w", sg.ID, err)
		}
	}
	return sg, nil
}

func encode(sg domain.Saga) ([]byte, []byte, error) {
	steps, err := json.Marshal(sg.Steps)
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(sg.Data)
	if err != nil {
		return nil, nil, err
	}
	return steps, data, nil
}

func writeCommands(ctx context.Context, tx pgx.Tx, out []application.Dispatch) error {
	for _, d := range out {
		ev, err := messaging.CommandEvent(d.Command, d.Topic, tracing.Traceparent(ctx))
		if err != nil {
			return err
		}
		if err := outbox.Insert(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}
