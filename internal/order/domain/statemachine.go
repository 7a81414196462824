package domain

import (
	"fmt"
	"slices"
	"time"
)

type Event string

const (
	EventConfirm         Event = "confirm"
	EventStartProcessing Event = "start_processing"
	EventShip            Event = "ship"
	EventDeliver         Event = "deliver"
	EventComplete        Event = "complete"
	EventCancel          Event = "cancel"
	EventReturn          Event = "return"
)

var allEvents = []Event{EventConfirm, EventStartProcessing, EventShip, EventDeliver, EventComplete, EventCancel, EventReturn}

// Events lists every event in lifecycle order.
func Events() []Event { return slices.Clone(allEvents) }

// ParseEvent validates an event name received from the outside.
func ParseEvent(s string) (Event, error) {
	ev := Event(s)
	if !slices.Contains(allEvents, ev) {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return ev, nil
}

// Guard vetoes a transition by returning an error wrapping ErrGuardFailed.
type Guard func(Order) error

// Resolver picks the target status for transitions whose destination
// depends on the order, like ship -> partially_shipped or shipped.
type Resolver func(Order) OrderStatus

type transition struct {
	to      OrderStatus
	resolve Resolver
	guard   Guard
}

func (t transition) target(o Order) OrderStatus {
	if t.resolve != nil {
		return t.resolve(o)
	}
	return t.to
}

// StateMachine owns the order status transition table.
type StateMachine struct {
	table map[OrderStatus]map[Event]transition
}

func NewStateMachine() *StateMachine {
	m := &StateMachine{table: map[OrderStatus]map[Event]transition{}}

	m.add(StatusPending, EventConfirm, transition{to: StatusConfirmed, guard: requirePayment})
	m.add(StatusPending, EventCancel, transition{to: StatusCancelled})

	m.add(StatusConfirmed, EventStartProcessing, transition{to: StatusProcessing})
	m.add(StatusConfirmed, EventCancel, transition{to: StatusCancelled, guard: requireNothingShipped})

	m.add(StatusProcessing, EventShip, transition{resolve: shippedOrPartial, guard: requireShipment})
	m.add(StatusProcessing, EventCancel, transition{to: StatusCancelled, guard: requireNothingShipped})

	m.add(StatusPartiallyShipped, EventShip, transition{resolve: shippedOrPartial, guard: requireShipment})

	m.add(StatusShipped, EventDeliver, transition{to: StatusDelivered})

	m.add(StatusDelivered, EventComplete, transition{to: StatusCompleted, guard: requireSettled})
	m.add(StatusDelivered, EventReturn, transition{to: StatusReturned, guard: requireReturn})

	m.add(StatusCompleted, EventReturn, transition{to: StatusReturned, guard: requireReturn})
	return m
}

func (m *StateMachine) add(from OrderStatus, ev Event, t transition) {
	if m.table[from] == nil {
		m.table[from] = map[Event]transition{}
	}
	m.table[from][ev] = t
}

// Can reports whether the table has an entry for ev in status, ignoring guards.
func (m *StateMachine) Can(status OrderStatus, ev Event) bool {
	_, ok := m.table[status][ev]
	return ok
}

// Available lists the events the table accepts from status, sorted.
func (m *StateMachine) Available(status OrderStatus) []Event {
	events := make([]Event, 0, len(m.table[status]))
	for ev := range m.table[status] {
		events = append(events, ev)
	}
	slices.Sort(events)
	return events
}

// IsTerminal reports whether no event can leave status.
func (m *StateMachine) IsTerminal(status OrderStatus) bool {
	return len(m.table[status]) == 0
}

// Check runs the table lookup and guard for ev without changing o.
func (m *StateMachine) Check(o Order, ev Event) (OrderStatus, error) {
	t, ok := m.table[o.Status][ev]
	if !ok {
		return "", &TransitionError{From: o.Status, Event: ev}
	}
	if t.guard != nil {
		if err := t.guard(o); err != nil {
			return "", &TransitionError{From: o.Status, Event: ev, Cause: err}
		}
	}
	return t.target(o), nil
}

// Fire applies ev to a copy of o and returns it with the status change
// appended to its history.
func (m *StateMachine) Fire(o Order, ev Event, actor, reason string, now time.Time) (Order, StatusChange, error) {
	to, err := m.Check(o, ev)
	if err != nil {
		return o, StatusChange{}, err
	}
	change := StatusChange{From: o.Status, To: to, Event: ev, Actor: actor, Reason: reason, At: now.UTC()}

	next := o.Clone()
	next.Status = to
	next.UpdatedAt = change.At
	next.History = append(next.History, change)
	if ev == EventCancel {
		next.CancelReason = reason
	}
	return next, change, nil
}

func requirePayment(o Order) error {
	switch o.FinancialStatus {
	case FinancialAuthorized, FinancialPartiallyPaid, FinancialPaid:
		return nil
	}
	return fmt.Errorf("%w: payment is %s", ErrGuardFailed, o.FinancialStatus)
}

func requireNothingShipped(o Order) error {
	if _, fulfilled, _ := o.Units(); fulfilled > 0 {
		return fmt.Errorf("%w: %d units already fulfilled", ErrGuardFailed, fulfilled)
	}
	return nil
}

func requireShipment(o Order) error {
	switch DeriveFulfillmentStatus(o.Items) {
	case FulfillmentPartiallyFulfilled, FulfillmentFulfilled:
		return nil
	}
	return fmt.Errorf("%w: nothing has been fulfilled", ErrGuardFailed)
}

func requireSettled(o Order) error {
	switch o.FinancialStatus {
	case FinancialPending, FinancialAuthorized:
		return fmt.Errorf("%w: payment is %s", ErrGuardFailed, o.FinancialStatus)
	}
	return nil
}

func requireReturn(o Order) error {
	switch DeriveFulfillmentStatus(o.Items) {
	case FulfillmentPartiallyReturned, FulfillmentReturned:
		return nil
	}
	return fmt.Errorf("%w: nothing has been returned", ErrGuardFailed)
}

func shippedOrPartial(o Order) OrderStatus {
	if DeriveFulfillmentStatus(o.Items) == FulfillmentFulfilled {
		return StatusShipped
	}
	return StatusPartiallyShipped
}
