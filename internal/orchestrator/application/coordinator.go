// Package application drives sagas: it dispatches participant commands,
// reacts to replies, and compensates or retries according to the saga
// definition.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	orderdomain "github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/metrics"
)

type Topics struct {
	Inventory string
	Payment   string
}

type Coordinator struct {
	log    *slog.Logger
	store  Store
	orders Orders
	def    domain.Definition
	topics Topics
	policy domain.Policy
	now    func() time.Time
	newID  func() string
}

type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDs replaces the saga id generator.
func WithIDs(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

func NewCoordinator(log *slog.Logger, store Store, orders Orders, topics Topics, policy domain.Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:    log,
		store:  store,
		orders: orders,
		def:    domain.PlaceOrder(),
		topics: topics,
		policy: policy,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the place_order saga for o. Starting twice for one order is
// a no-op.
func (c *Coordinator) Start(ctx context.Context, o orderdomain.Order, paymentMethod string) error {
	_, err := c.store.GetByOrder(ctx, c.def.Name, o.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrSagaNotFound) {
		return err
	}

	now := c.now().UTC()
	items := make([]messaging.Item, 0, len(o.Items))
	for _, li := range o.Items {
		items = append(items, messaging.Item{SKU: li.SKU, Quantity: li.Quantity})
	}
	s := domain.New(c.newID(), c.def, o.ID, domain.Data{
		OrderNumber:   o.Number,
		CustomerID:    o.CustomerID,
		AmountCents:   o.TotalCents,
		Currency:      o.Currency,
		PaymentMethod: paymentMethod,
		Items:         items,
	}, now)

	var out []Dispatch
	if err := c.forward(ctx, &s, &out, now); err != nil {
		return err
	}
	if err := c.store.Create(ctx, s, out); err != nil {
		if errors.Is(err, domain.ErrSagaExists) {
			return nil
		}
		return err
	}
	metrics.SagaTransitions.WithLabelValues(s.Name, "started").Inc()
	c.log.Info("saga started", "saga_id", s.ID, "order_id", s.OrderID, "order_number", s.Data.OrderNumber)
	return nil
}

// SagaForOrder returns the place_order saga of an order.
func (c *Coordinator) SagaForOrder(ctx context.Context, orderID string) (domain.Saga, error) {
	return c.store.GetByOrder(ctx, c.def.Name, orderID)
}

// HandleReply applies a participant reply. Replies that do not answer the
// command currently in flight are ignored.
func (c *Coordinator) HandleReply(ctx context.Context, r messaging.Reply) error {
	stored, err := c.store.Get(ctx, r.SagaID)
	if errors.Is(err, domain.ErrSagaNotFound) {
		c.log.Warn("reply for unknown saga", "saga_id", r.SagaID, "command_id", r.CommandID)
		return nil
	}
	if err != nil {
		return err
	}
	if stored.State.Terminal() || stored.Current < 0 || stored.Current >= len(stored.Steps) {
		c.log.Debug("reply for finished saga ignored", "saga_id", r.SagaID, "command_id", r.CommandID)
		return nil
	}
	s := stored.Clone()
	step := &s.Steps[s.Current]
	if step.CommandID == "" || step.CommandID != r.CommandID {
		c.log.Debug("stale reply ignored", "saga_id", r.SagaID, "command_id", r.CommandID, "expected", step.CommandID)
		return nil
	}

	now := c.now().UTC()
	outcome := "success"
	if !r.Success {
		outcome = "failure"
	}
	if step.DispatchedAt != nil {
		metrics.SagaStepDuration.WithLabelValues(step.Name, outcome).Observe(now.Sub(*step.DispatchedAt).Seconds())
	}

	var out []Dispatch
	switch s.State {
	case domain.SagaRunning:
		err = c.onForwardReply(ctx, &s, r, &out, now)
	case domain.SagaCompensating:
		err = c.onCompensationReply(ctx, &s, r, &out, now)
	}
	if err != nil {
		return err
	}
	return c.save(ctx, stored, s, out, now)
}

// Recover re-dispatches commands whose deadline passed and retries that
// are due. It returns how many sagas were moved.
func (c *Coordinator) Recover(ctx context.Context, now time.Time) (int, error) {
	active, err := c.store.Active(ctx, 200)
	if err != nil {
		return 0, err
	}
	now = now.UTC()
	moved := 0
	for _, stored := range active {
		s := stored.Clone()
		var out []Dispatch
		changed, err := c.recoverOne(ctx, &s, &out, now)
		if err != nil {
			c.log.Error("saga recovery failed", "saga_id", s.ID, "err", err)
			continue
		}
		if !changed {
			continue
		}
		if err := c.save(ctx, stored, s, out, now); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				c.log.Info("saga changed during recovery, retrying next tick", "saga_id", s.ID)
				continue
			}
			c.log.Error("saga recovery save failed", "saga_id", s.ID, "err", err)
			continue
		}
		moved++
	}
	return moved, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, s *domain.Saga, out *[]Dispatch, now time.Time) (bool, error) {
	if s.Current < 0 || s.Current >= len(s.Steps) {
		return false, nil
	}
	step := &s.Steps[s.Current]
	switch {
	case step.CommandID != "" && step.DeadlineAt != nil && now.After(*step.DeadlineAt):
		step.TimedOut = true
		step.LastError = "step timed out"
		c.log.Warn("saga step timed out", "saga_id", s.ID, "step", step.Name, "attempt", step.Attempts)
		if step.Attempts < c.policy.MaxAttempts {
			c.redispatch(s, out, now)
			return true, nil
		}
		if s.State == domain.SagaCompensating {
			c.fail(s, fmt.Sprintf("compensation of %s: attempts exhausted", step.Name))
			return true, nil
		}
		return true, c.forwardFailure(ctx, s, step.LastError, false, out, now)
	case step.CommandID == "" && step.NextAttemptAt != nil && !now.Before(*step.NextAttemptAt):
		c.redispatch(s, out, now)
		return true, nil
	case s.State == domain.SagaRunning && step.State == domain.StepPending && step.CommandID == "" && step.NextAttemptAt == nil:
		return true, c.forward(ctx, s, out, now)
	}
	return false, nil
}

func (c *Coordinator) redispatch(s *domain.Saga, out *[]Dispatch, now time.Time) {
	def := c.def.Steps[s.Current]
	if s.State == domain.SagaCompensating {
		c.dispatch(s, *def.Compensation, out, now)
		return
	}
	c.dispatch(s, def.Forward, out, now)
}

func (c *Coordinator) save(ctx context.Context, before, after domain.Saga, out []Dispatch, now time.Time) error {
	after.Version = before.Version + 1
	after.UpdatedAt = now
	if err := c.store.Update(ctx, after, out); err != nil {
		return err
	}
	if after.State != before.State {
		metrics.SagaTransitions.WithLabelValues(after.Name, string(after.State)).Inc()
		c.log.Info("saga state changed", "saga_id", after.ID, "order_id", after.OrderID,
			"from", before.State, "to", after.State, "failure", after.Failure)
	}
	return nil
}

func (c *Coordinator) onForwardReply(ctx context.Context, s *domain.Saga, r messaging.Reply, out *[]Dispatch, now time.Time) error {
	step := &s.Steps[s.Current]
	if !r.Success {
		return c.forwardFailure(ctx, s, r.Reason, r.Retryable, out, now)
	}
	if err := c.recordPayment(ctx, s, r); err != nil {
		return err
	}
	step.State = domain.StepSucceeded
	step.Result = r.Payload
	step.LastError = ""
	step.DeadlineAt = nil
	s.Current++
	return c.forward(ctx, s, out, now)
}

// recordPayment copies the transaction carried by a payment reply onto
// the order. A transaction the order refuses is logged and skipped.
func (c *Coordinator) recordPayment(ctx context.Context, s *domain.Saga, r messaging.Reply) error {
	def := c.def.Steps[s.Current]
	a := def.Forward
	if s.State == domain.SagaCompensating && def.Compensation != nil {
		a = *def.Compensation
	}
	if a.Participant != domain.Payment || len(r.Payload) == 0 {
		return nil
	}
	var res messaging.PaymentResult
	if err := json.Unmarshal(r.Payload, &res); err != nil || res.Transaction.ID == "" {
		return nil
	}
	err := c.orders.RecordTransaction(ctx, s.OrderID, res.Transaction)
	if errors.Is(err, ErrStepRejected) {
		c.log.Warn("order refused payment transaction", "saga_id", s.ID, "order_id", s.OrderID,
			"transaction_id", res.Transaction.ID, "err", err)
		return nil
	}
	return err
}

// forward runs steps from s.Current until a remote command is dispatched
// or the saga completes.
func (c *Coordinator) forward(ctx context.Context, s *domain.Saga, out *[]Dispatch, now time.Time) error {
	for s.Current < len(c.def.Steps) {
		def := c.def.Steps[s.Current]
		if def.Forward.Remote() {
			c.dispatch(s, def.Forward, out, now)
			return nil
		}
		step := &s.Steps[s.Current]
		step.Attempts++
		err := c.runLocal(ctx, s, def.Forward)
		if errors.Is(err, ErrStepRejected) {
			return c.forwardFailure(ctx, s, err.Error(), false, out, now)
		}
		if err != nil {
			return err
		}
		step.State = domain.StepSucceeded
		step.LastError = ""
		s.Current++
	}
	s.State = domain.SagaCompleted
	s.Current = len(s.Steps) - 1
	return nil
}

// forwardFailure retries the current step or, once that is pointless,
// compensates. Past the pivot the saga never compensates.
func (c *Coordinator) forwardFailure(ctx context.Context, s *domain.Saga, reason string, retryable bool, out *[]Dispatch, now time.Time) error {
	step := &s.Steps[s.Current]
	step.LastError = reason
	if retryable && step.Attempts < c.policy.MaxAttempts {
		c.scheduleRetry(step, domain.StepPending, now)
		c.log.Info("saga step will retry", "saga_id", s.ID, "step", step.Name, "attempt", step.Attempts,
			"next_attempt_at", step.NextAttemptAt, "reason", reason)
		return nil
	}
	step.State = domain.StepFailed
	step.CommandID = ""
	step.DeadlineAt = nil
	if s.Current >= c.def.PivotIndex() {
		c.fail(s, fmt.Sprintf("%s: %s", step.Name, reason))
		return nil
	}
	s.Failure = fmt.Sprintf("%s: %s", step.Name, reason)
	s.State = domain.SagaCompensating
	return c.compensate(ctx, s, out, now)
}

func (c *Coordinator) scheduleRetry(step *domain.Step, state domain.StepState, now time.Time) {
	next := now.Add(c.policy.Backoff(step.Attempts))
	step.State = state
	step.CommandID = ""
	step.DeadlineAt = nil
	step.NextAttemptAt = &next
}

func (c *Coordinator) fail(s *domain.Saga, failure string) {
	s.State = domain.SagaFailed
	s.Failure = failure
	c.log.Error("saga failed, manual intervention required", "saga_id", s.ID, "order_id", s.OrderID, "failure", failure)
}

// compensate walks back from s.Current undoing every step that took
// effect. A step whose outcome is unknown because it timed out is undone
// too; compensations tolerate missing state.
func (c *Coordinator) compensate(ctx context.Context, s *domain.Saga, out *[]Dispatch, now time.Time) error {
	for s.Current >= 0 {
		def := c.def.Steps[s.Current]
		step := &s.Steps[s.Current]
		needed := step.State == domain.StepSucceeded || (step.State == domain.StepFailed && step.TimedOut)
		if def.Compensation == nil || !needed {
			s.Current--
			continue
		}
		step.Attempts = 0
		if def.Compensation.Remote() {
			c.dispatch(s, *def.Compensation, out, now)
			return nil
		}
		step.Attempts++
		err := c.runLocal(ctx, s, *def.Compensation)
		if errors.Is(err, ErrStepRejected) {
			step.LastError = err.Error()
			c.fail(s, fmt.Sprintf("compensation of %s: %v", step.Name, err))
			return nil
		}
		if err != nil {
			return err
		}
		step.State = domain.StepCompensated
		s.Current--
	}
	s.Current = 0
	if err := c.orders.Cancel(ctx, s.OrderID, s.Failure); err != nil && !errors.Is(err, ErrStepRejected) {
		return err
	}
	s.State = domain.SagaCompensated
	return nil
}

func (c *Coordinator) onCompensationReply(ctx context.Context, s *domain.Saga, r messaging.Reply, out *[]Dispatch, now time.Time) error {
	step := &s.Steps[s.Current]
	if r.Success {
		if err := c.recordPayment(ctx, s, r); err != nil {
			return err
		}
		step.State = domain.StepCompensated
		step.LastError = ""
		step.CommandID = ""
		step.DeadlineAt = nil
		s.Current--
		return c.compensate(ctx, s, out, now)
	}
	step.LastError = r.Reason
	if step.Attempts < c.policy.MaxAttempts {
		c.scheduleRetry(step, domain.StepCompensating, now)
		return nil
	}
	c.fail(s, fmt.Sprintf("compensation of %s: %s", step.Name, r.Reason))
	return nil
}

func (c *Coordinator) runLocal(ctx context.Context, s *domain.Saga, a domain.Action) error {
	switch a.Name {
	case domain.ActionConfirmOrder:
		return c.orders.Confirm(ctx, s.OrderID)
	case domain.ActionCancelOrder:
		return c.orders.Cancel(ctx, s.OrderID, s.Failure)
	}
	return fmt.Errorf("unknown local action %q", a.Name)
}

func (c *Coordinator) dispatch(s *domain.Saga, a domain.Action, out *[]Dispatch, now time.Time) {
	step := &s.Steps[s.Current]
	step.Attempts++
	step.CommandID = domain.CommandID(s.ID, a.Name, step.Attempts)
	step.State = domain.StepInFlight
	if s.State == domain.SagaCompensating {
		step.State = domain.StepCompensating
	}
	deadline := now.Add(c.policy.StepTimeout)
	dispatched := now
	step.DispatchedAt = &dispatched
	step.DeadlineAt = &deadline
	step.NextAttemptAt = nil

	*out = append(*out, Dispatch{
		Topic: c.topic(a.Participant),
		Command: messaging.Command{
			ID:       step.CommandID,
			SagaID:   s.ID,
			OrderID:  s.OrderID,
			Type:     a.Command,
			Attempt:  step.Attempts,
			Payload:  c.payload(s, a),
			IssuedAt: now,
		},
	})
	c.log.Info("saga command dispatched", "saga_id", s.ID, "command_id", step.CommandID, "type", a.Command)
}

func (c *Coordinator) topic(p domain.Participant) string {
	if p == domain.Payment {
		return c.topics.Payment
	}
	return c.topics.Inventory
}

func (c *Coordinator) payload(s *domain.Saga, a domain.Action) json.RawMessage {
	var v any
	switch a.Participant {
	case domain.Inventory:
		v = messaging.InventoryPayload{Items: s.Data.Items}
	case domain.Payment:
		v = messaging.PaymentPayload{
			AmountCents:      s.Data.AmountCents,
			Currency:         s.Data.Currency,
			CustomerID:       s.Data.CustomerID,
			PaymentMethod:    s.Data.PaymentMethod,
			AuthorizationRef: authorizationRef(*s),
		}
	default:
		return nil
	}
	raw, _ := json.Marshal(v)
	return raw
}

func authorizationRef(s domain.Saga) string {
	for _, st := range s.Steps {
		if st.Name != domain.StepAuthorizePayment || len(st.Result) == 0 {
			continue
		}
		var res messaging.PaymentResult
		if json.Unmarshal(st.Result, &res) == nil {
			return res.Transaction.Reference
		}
	}
	return ""
}
