package domain

import "time"

const (
	EventTypeOrderCreated                  = "OrderCreated"
	EventTypeOrderStatusChanged            = "OrderStatusChanged"
	EventTypeOrderFinancialStatusChanged   = "OrderFinancialStatusChanged"
	EventTypeOrderFulfillmentStatusChanged = "OrderFulfillmentStatusChanged"
)

// OrderRef identifies the order an event belongs to and who to tell.
type OrderRef struct {
	OrderID       string `json:"order_id"`
	Number        string `json:"number"`
	StoreID       string `json:"store_id"`
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
}

func RefOf(o Order) OrderRef {
	return OrderRef{
		OrderID:       o.ID,
		Number:        o.Number,
		StoreID:       o.StoreID,
		CustomerID:    o.CustomerID,
		CustomerEmail: o.CustomerEmail,
	}
}

type OrderCreated struct {
	OrderRef
	TotalCents int64      `json:"total_cents"`
	Currency   string     `json:"currency"`
	Items      []LineItem `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
}

type OrderStatusChanged struct {
	OrderRef
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Event  Event       `json:"event"`
	Actor  string      `json:"actor,omitempty"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

type OrderFinancialStatusChanged struct {
	OrderRef
	From         FinancialStatus `json:"from"`
	To           FinancialStatus `json:"to"`
	TotalCents   int64           `json:"total_cents"`
	NetPaidCents int64           `json:"net_paid_cents"`
	Currency     string          `json:"currency"`
}

type OrderFulfillmentStatusChanged struct {
	OrderRef
	From FulfillmentStatus `json:"from"`
	To   FulfillmentStatus `json:"to"`
}

// DomainEvent pairs an event payload with its outbox type name.
type DomainEvent struct {
	Type    string
	Payload any
}

func Created(o Order) DomainEvent {
	return DomainEvent{Type: EventTypeOrderCreated, Payload: OrderCreated{
		OrderRef:   RefOf(o),
		TotalCents: o.TotalCents,
		Currency:   o.Currency,
		Items:      o.Items,
		CreatedAt:  o.CreatedAt,
	}}
}

// Changes lists the events implied by going from before to after. History
// entries appended in between become OrderStatusChanged events.
func Changes(before, after Order) []DomainEvent {
	var out []DomainEvent
	ref := RefOf(after)
	for _, ch := range after.History[min(len(before.History), len(after.History)):] {
		out = append(out, DomainEvent{Type: EventTypeOrderStatusChanged, Payload: OrderStatusChanged{
			OrderRef: ref, From: ch.From, To: ch.To, Event: ch.Event, Actor: ch.Actor, Reason: ch.Reason, At: ch.At,
		}})
	}
	if before.FinancialStatus != after.FinancialStatus {
		bal := Balance(after)
		out = append(out, DomainEvent{Type: EventTypeOrderFinancialStatusChanged, Payload: OrderFinancialStatusChanged{
			OrderRef: ref, From: before.FinancialStatus, To: after.FinancialStatus,
			TotalCents: after.TotalCents, NetPaidCents: bal.NetPaidCents, Currency: after.Currency,
		}})
	}
	if before.FulfillmentStatus != after.FulfillmentStatus {
		out = append(out, DomainEvent{Type: EventTypeOrderFulfillmentStatusChanged, Payload: OrderFulfillmentStatusChanged{
			OrderRef: ref, From: before.FulfillmentStatus, To: after.FulfillmentStatus,
		}})
	}
	return out
}
