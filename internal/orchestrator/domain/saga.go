// Package domain models orchestrated sagas: an ordered list of steps, each
// with an optional compensation, driven forward by participant replies.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type SagaState string

const (
	SagaRunning      SagaState = "running"
	SagaCompensating SagaState = "compensating"
	SagaCompleted    SagaState = "completed"
	SagaCompensated  SagaState = "compensated"
	SagaFailed       SagaState = "failed"
)

// Terminal reports whether no further step will run.
func (s SagaState) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

type StepState string

const (
	StepPending      StepState = "pending"
	StepInFlight     StepState = "in_flight"
	StepSucceeded    StepState = "succeeded"
	StepFailed       StepState = "failed"
	StepCompensating StepState = "compensating"
	StepCompensated  StepState = "compensated"
)

var (
	ErrSagaNotFound    = errors.New("saga not found")
	ErrSagaExists      = errors.New("saga already exists")
	ErrVersionConflict = errors.New("saga was modified concurrently")
)

// Participant names who executes an action. Local actions run inside the
// orchestrating service.
type Participant string

const (
	Local     Participant = "local"
	Inventory Participant = "inventory"
	Payment   Participant = "payment"
)

// Action is one side of a step: what to run and where.
type Action struct {
	Name        string
	Participant Participant
	Command     messaging.CommandType
}

func (a Action) Remote() bool { return a.Participant != Local }

// StepDef describes a step. A zero Compensation means the step has nothing
// to undo.
type StepDef struct {
	Name         string
	Forward      Action
	Compensation *Action
	// Pivot marks the point of no return. From here on failures retry
	// forward instead of compensating.
	Pivot bool
}

type Definition struct {
	Name  string
	Steps []StepDef
}

// PivotIndex returns the index of the pivot step, or len(Steps) if none.
func (d Definition) PivotIndex() int {
	for i, s := range d.Steps {
		if s.Pivot {
			return i
		}
	}
	return len(d.Steps)
}

// Step names of the place_order saga.
const (
	StepReserveInventory = "reserve_inventory"
	StepAuthorizePayment = "authorize_payment"
	StepConfirmOrder     = "confirm_order"
	StepCapturePayment   = "capture_payment"
	StepCommitInventory  = "commit_inventory"

	ActionConfirmOrder = "confirm_order"
	ActionCancelOrder  = "cancel_order"
)

const PlaceOrderSaga = "place_order"

// PlaceOrder is the saga started for every new order.
func PlaceOrder() Definition {
	return Definition{
		Name: PlaceOrderSaga,
		Steps: []StepDef{
			{
				Name:         StepReserveInventory,
				Forward:      Action{Name: "reserve_inventory", Participant: Inventory, Command: messaging.ReserveInventory},
				Compensation: &Action{Name: "release_inventory", Participant: Inventory, Command: messaging.ReleaseInventory},
			},
			{
				Name:         StepAuthorizePayment,
				Forward:      Action{Name: "authorize_payment", Participant: Payment, Command: messaging.AuthorizePayment},
				Compensation: &Action{Name: "void_payment", Participant: Payment, Command: messaging.VoidPayment},
			},
			{
				Name:         StepConfirmOrder,
				Forward:      Action{Name: ActionConfirmOrder, Participant: Local},
				Compensation: &Action{Name: ActionCancelOrder, Participant: Local},
			},
			{
				Name:    StepCapturePayment,
				Forward: Action{Name: "capture_payment", Participant: Payment, Command: messaging.CapturePayment},
				Pivot:   true,
			},
			{
				Name:    StepCommitInventory,
				Forward: Action{Name: "commit_inventory", Participant: Inventory, Command: messaging.CommitInventory},
			},
		},
	}
}

type Step struct {
	Name          string     `json:"name"`
	State         StepState  `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CommandID     string     `json:"command_id,omitempty"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
	DeadlineAt    *time.Time `json:"deadline_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Result        []byte     `json:"result,omitempty"`
}

// Data is what the saga needs to build participant commands without
// reading the order again.
type Data struct {
	OrderNumber   string           `json:"order_number"`
	CustomerID    string           `json:"customer_id"`
	AmountCents   int64            `json:"amount_cents"`
	Currency      string           `json:"currency"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	Items         []messaging.Item `json:"items"`
}

type Saga struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	OrderID string    `json:"order_id"`
	State   SagaState `json:"state"`
	// Current is the step being executed, or compensated while the saga
	// is compensating.
	Current   int       `json:"current"`
	Steps     []Step    `json:"steps"`
	Data      Data      `json:"data"`
	Failure   string    `json:"failure,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(id string, def Definition, orderID string, data Data, now time.Time) Saga {
	steps := make([]Step, len(def.Steps))
	for i, d := range def.Steps {
		steps[i] = Step{Name: d.Name, State: StepPending}
	}
	now = now.UTC()
	return Saga{
		ID:        id,
		Name:      def.Name,
		OrderID:   orderID,
		State:     SagaRunning,
		Steps:     steps,
		Data:      data,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CommandID is stable for one attempt of one action, so a redelivered
// command is recognised by the participant.
func CommandID(sagaID, action string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", sagaID, action, attempt)
}

// Clone copies the saga so callers can mutate steps freely.
func (s Saga) Clone() Saga {
	s.Steps = append([]Step(nil), s.Steps...)
	s.Data.Items = append([]messaging.Item(nil), s.Data.Items...)
	return s
}

// Policy bounds retries of a single step.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	StepTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute, StepTimeout: 30 * time.Second}
}

// Backoff is base*2^(attempt-1), capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
