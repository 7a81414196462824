package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/commerce-order-platform/internal/inventory/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

var ErrUnsupportedCommand = errors.New("unsupported inventory command")

type Service struct {
	log    *slog.Logger
	runner CommandRunner
	reader StockReader
	now    clock
}

func NewService(log *slog.Logger, runner CommandRunner, reader StockReader) *Service {
	return &Service{log: log, runner: runner, reader: reader, now: time.Now}
}

// CheckStock is the synchronous pre-check used before an order is placed.
// It does not hold anything.
func (s *Service) CheckStock(ctx context.Context, lines []domain.Line) error {
	lines = domain.Normalize(lines)
	levels, err := s.reader.Levels(ctx, domain.SKUs(lines))
	if err != nil {
		return err
	}
	return domain.Check(levels, lines)
}

// Handle executes a saga command once and returns the reply that was
// published for it.
func (s *Service) Handle(ctx context.Context, cmd messaging.Command) (messaging.Reply, error) {
	var step func(context.Context, StockRepository, messaging.Command) (messaging.Reply, error)
	switch cmd.Type {
	case messaging.ReserveInventory:
		step = s.reserve
	case messaging.ReleaseInventory:
		step = s.release
	case messaging.CommitInventory:
		step = s.commit
	default:
		return messaging.Reply{}, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Type)
	}
	reply, err := s.runner.Do(ctx, cmd, func(ctx context.Context, repo StockRepository) (messaging.Reply, error) {
		return step(ctx, repo, cmd)
	})
	if err != nil {
		return messaging.Reply{}, err
	}
	s.log.Info("inventory command handled", "command_id", cmd.ID, "type", cmd.Type, "order_id", cmd.OrderID,
		"success", reply.Success, "reason", reply.Reason)
	return reply, nil
}

// reserve is all-or-nothing and idempotent per order.
func (s *Service) reserve(ctx context.Context, repo StockRepository, cmd messaging.Command) (messaging.Reply, error) {
	var payload messaging.InventoryPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return messaging.Failed(cmd, "malformed reservation payload", false, s.now()), nil
	}

	existing, err := repo.FindReservation(ctx, cmd.OrderID)
	switch {
	case err == nil && existing.Status == domain.Released:
		return messaging.Failed(cmd, "reservation was already released", false, s.now()), nil
	case err == nil:
		return messaging.Succeeded(cmd, payload, s.now())
	case !errors.Is(err, domain.ErrReservationNotFound):
		return messaging.Reply{}, err
	}

	lines := make([]domain.Line, 0, len(payload.Items))
	for _, it := range payload.Items {
		lines = append(lines, domain.Line{SKU: it.SKU, Quantity: it.Quantity})
	}
	lines = domain.Normalize(lines)
	if len(lines) == 0 {
		return messaging.Failed(cmd, "nothing to reserve", false, s.now()), nil
	}

	levels, err := repo.LockLevels(ctx, domain.SKUs(lines))
	if err != nil {
		return messaging.Reply{}, err
	}
	if err := domain.Check(levels, lines); err != nil {
		return messaging.Failed(cmd, err.Error(), false, s.now()), nil
	}
	for _, l := range lines {
		if err := repo.Move(ctx, l.SKU, -l.Quantity, l.Quantity, 0); err != nil {
			return messaging.Reply{}, err
		}
	}
	r := domain.Reservation{OrderID: cmd.OrderID, Lines: lines, Status: domain.Reserved, UpdatedAt: s.now().UTC()}
	if err := repo.SaveReservation(ctx, r); err != nil {
		return messaging.Reply{}, err
	}
	return messaging.Succeeded(cmd, payload, s.now())
}

func (s *Service) release(ctx context.Context, repo StockRepository, cmd messaging.Command) (messaging.Reply, error) {
	r, err := repo.FindReservation(ctx, cmd.OrderID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return messaging.Succeeded(cmd, nil, s.now())
	}
	if err != nil {
		return messaging.Reply{}, err
	}
	switch r.Status {
	case domain.Released:
		return messaging.Succeeded(cmd, nil, s.now())
	case domain.Committed:
		return messaging.Failed(cmd, domain.ErrReservationClosed.Error(), false, s.now()), nil
	}
	if _, err := repo.LockLevels(ctx, domain.SKUs(r.Lines)); err != nil {
		return messaging.Reply{}, err
	}
	for _, l := range r.Lines {
		if err := repo.Move(ctx, l.SKU, l.Quantity, -l.Quantity, 0); err != nil {
			return messaging.Reply{}, err
		}
	}
	r.Status, r.UpdatedAt = domain.Released, s.now().UTC()
	if err := repo.SaveReservation(ctx, r); err != nil {
		return messaging.Reply{}, err
	}
	return messaging.Succeeded(cmd, nil, s.now())
}

func (s *Service) commit(ctx context.Context, repo StockRepository, cmd messaging.Command) (messaging.Reply, error) {
	r, err := repo.FindReservation(ctx, cmd.OrderID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return messaging.Failed(cmd, err.Error(), false, s.now()), nil
	}
	if err != nil {
		return messaging.Reply{}, err
	}
	switch r.Status {
	case domain.Committed:
		return messaging.Succeeded(cmd, nil, s.now())
	case domain.Released:
		return messaging.Failed(cmd, domain.ErrReservationClosed.Error(), false, s.now()), nil
	}
	if _, err := repo.LockLevels(ctx, domain.SKUs(r.Lines)); err != nil {
		return messaging.Reply{}, err
	}
	for _, l := range r.Lines {
		if err := repo.Move(ctx, l.SKU, 0, -l.Quantity, l.Quantity); err != nil {
			return messaging.Reply{}, err
		}
	}
	r.Status, r.UpdatedAt = domain.Committed, s.now().UTC()
	if err := repo.SaveReservation(ctx, r); err != nil {
		return messaging.Reply{}, err
	}
	return messaging.Succeeded(cmd, nil, s.now())
}
