// Package participant runs saga commands exactly once per command id and
// publishes the reply through the outbox in the same transaction.
package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

// Ledger binds a transaction-scoped repository R for each command.
type Ledger[R any] struct {
	log     *slog.Logger
	db      outbox.DB
	service string
	topic   string
	bind    func(pgx.Tx) R
}

func NewLedger[R any](log *slog.Logger, db outbox.DB, service, repliesTopic string, bind func(pgx.Tx) R) *Ledger[R] {
	return &Ledger[R]{log: log, db: db, service: service, topic: repliesTopic, bind: bind}
}

// Do runs fn unless cmd.ID was handled before, in which case the stored
// reply is published again. An error from fn rolls everything back.
func (l *Ledger[R]) Do(ctx context.Context, cmd messaging.Command, fn func(ctx context.Context, repo R) (messaging.Reply, error)) (messaging.Reply, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return messaging.Reply{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `INSERT INTO processed_commands (service, command_id, reply) VALUES ($1,$2,'{}')
		ON CONFLICT (service, command_id) DO NOTHING`, l.service, cmd.ID)
	if err != nil {
		return messaging.Reply{}, err
	}

	var reply messaging.Reply
	if ct.RowsAffected() == 0 {
		var raw []byte
		if err := tx.QueryRow(ctx, `SELECT reply FROM processed_commands WHERE service=$1 AND command_id=$2`,
			l.service, cmd.ID).Scan(&raw); err != nil {
			return messaging.Reply{}, err
		}
		if err := json.Unmarshal(raw, &reply); err != nil {
			return messaging.Reply{}, fmt.Errorf("decode stored reply for %s: %w", cmd.ID, err)
		}
		l.log.Info("replaying stored reply", "command_id", cmd.ID, "type", cmd.Type)
	} else {
		reply, err = fn(ctx, l.bind(tx))
		if err != nil {
			return messaging.Reply{}, err
		}
		raw, err := json.Marshal(reply)
		if err != nil {
			return messaging.Reply{}, err
		}
		if _, err := tx.Exec(ctx, `UPDATE processed_commands SET reply=$3 WHERE service=$1 AND command_id=$2`,
			l.service, cmd.ID, raw); err != nil {
			return messaging.Reply{}, err
		}
	}

	ev, err := messaging.ReplyEvent(reply, l.service, l.topic, tracing.Traceparent(ctx))
	if err != nil {
		return messaging.Reply{}, err
	}
	if err := outbox.Insert(ctx, tx, ev); err != nil {
		return messaging.Reply{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return messaging.Reply{}, err
	}
	return reply, nil
}
