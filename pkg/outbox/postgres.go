package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the outbox needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Execer is satisfied by pgx.Tx so repositories can append events inside
// their own transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertSQL = `INSERT INTO outbox (aggregate_type, aggregate_id, topic, type, payload, headers, traceparent, status)
	VALUES ($1,$2,$3,$4,$5,$6,$7,'pending')`

// Insert writes ev as a pending outbox row using tx.
func Insert(ctx context.Context, tx Execer, ev Event) error {
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := tx.Exec(ctx, insertSQL, ev.AggregateType, ev.AggregateID, ev.Topic, ev.Type, ev.Payload, headers, ev.Traceparent)
	return err
}

var ErrNoRowsUpdated = errors.New("no rows updated")

type PgStore struct {
	log        *slog.Logger
	db         DB
	maxRetries int
}

func NewPgStore(log *slog.Logger, db DB, maxRetries int) *PgStore {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &PgStore{log: log, db: db, maxRetries: maxRetries}
}

// LockBatch claims pending rows plus in-progress rows whose lease expired,
// so a crashed relay's batch is picked up again.
func (s *PgStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, topic, type, payload, headers, traceparent, created_at, retry_count
		FROM outbox
		WHERE status = 'pending' OR (status = 'in_progress' AND lease_until < now())
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize)
	if err != nil {
		return nil, err
	}

	var events []Event
	for rows.Next() {
		var event Event
		var headers map[string]string
		if err := rows.Scan(&event.ID, &event.AggregateType, &event.AggregateID, &event.Topic, &event.Type,
			&event.Payload, &headers, &event.Traceparent, &event.CreatedAt, &event.RetryCount); err != nil {
			rows.Close()
			return nil, err
		}
		event.Headers = headers
		event.Status = StatusInProgress
		event.RelayID = relayID
		events = append(events, event)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := remaining(events)
	_, err = tx.Exec(ctx, `UPDATE outbox SET status='in_progress', relay_id=$1, lease_until=now() + $2::interval WHERE id = ANY($3)`,
		relayID, lease.String(), ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PgStore) MarkSent(ctx context.Context, ids []int64) error {
	ct, err := s.db.Exec(ctx, `UPDATE outbox SET status='sent', sent_at=now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNoRowsUpdated
	}
	return nil
}

// MarkFailed puts the row back to pending until it has failed maxRetries
// times; after that it stays failed for an operator to inspect.
func (s *PgStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox
		SET status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
		    last_error = $2, retry_count = retry_count + 1
		WHERE id = $1`, id, errMsg, s.maxRetries)
	return err
}

func (s *PgStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.db.Exec(ctx, `UPDATE outbox SET lease_until=now() + $1::interval WHERE id = ANY($2) AND relay_id=$3`, lease.String(), ids, relayID)
	return err
}

// Cleanup deletes sent rows older than the retention window.
func (s *PgStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM outbox WHERE status='sent' AND sent_at < now() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
