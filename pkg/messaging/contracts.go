// Package messaging defines the saga command/reply contracts exchanged over
// Kafka and the consumer loop every service runs.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
)

type CommandType string

const (
	ReserveInventory CommandType = "ReserveInventory"
	ReleaseInventory CommandType = "ReleaseInventory"
	CommitInventory  CommandType = "CommitInventory"
	AuthorizePayment CommandType = "AuthorizePayment"
	CapturePayment   CommandType = "CapturePayment"
	VoidPayment      CommandType = "VoidPayment"
	RefundPayment    CommandType = "RefundPayment"
)

// Command asks a participant to perform one saga step. ID is stable across
// redeliveries of the same attempt so participants can deduplicate on it.
type Command struct {
	ID       string          `json:"id"`
	SagaID   string          `json:"saga_id"`
	OrderID  string          `json:"order_id"`
	Type     CommandType     `json:"type"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedAt time.Time       `json:"issued_at"`
}

// Reply is the participant's answer to a Command.
type Reply struct {
	CommandID string          `json:"command_id"`
	SagaID    string          `json:"saga_id"`
	OrderID   string          `json:"order_id"`
	Type      CommandType     `json:"type"`
	Success   bool            `json:"success"`
	Retryable bool            `json:"retryable,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RepliedAt time.Time       `json:"replied_at"`
}

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type InventoryPayload struct {
	Items []Item `json:"items"`
}

type PaymentPayload struct {
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	CustomerID    string `json:"customer_id"`
	PaymentMethod string `json:"payment_method,omitempty"`
	// AuthorizationRef is the gateway reference of the authorization a
	// capture, void or refund applies to.
	AuthorizationRef string `json:"authorization_ref,omitempty"`
}

// TransactionPayload mirrors an order transaction produced by the payment
// participant. Kind and Status use the order domain's string values.
type TransactionPayload struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Reference   string    `json:"reference"`
	CreatedAt   time.Time `json:"created_at"`
}

type PaymentResult struct {
	Transaction TransactionPayload `json:"transaction"`
}

// CommandEvent wraps cmd as an outbox row bound for topic.
func CommandEvent(cmd Command, topic, traceparent string) (outbox.Event, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "saga",
		AggregateID:   cmd.OrderID,
		Topic:         topic,
		Type:          string(cmd.Type),
		Payload:       payload,
		Headers:       map[string]string{"saga_id": cmd.SagaID, "command_id": cmd.ID},
		Traceparent:   traceparent,
	}, nil
}

// ReplyEvent wraps r as an outbox row bound for topic.
func ReplyEvent(r Reply, source, topic, traceparent string) (outbox.Event, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: source,
		AggregateID:   r.OrderID,
		Topic:         topic,
		Type:          string(r.Type) + "Reply",
		Payload:       payload,
		Headers:       map[string]string{"source": source, "saga_id": r.SagaID, "command_id": r.CommandID},
		Traceparent:   traceparent,
	}, nil
}

// Succeeded builds a success reply for cmd.
func Succeeded(cmd Command, payload any, now time.Time) (Reply, error) {
	r := Reply{CommandID: cmd.ID, SagaID: cmd.SagaID, OrderID: cmd.OrderID, Type: cmd.Type, Success: true, RepliedAt: now}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Reply{}, err
		}
		r.Payload = raw
	}
	return r, nil
}

// Failed builds a failure reply for cmd.
func Failed(cmd Command, reason string, retryable bool, now time.Time) Reply {
	return Reply{CommandID: cmd.ID, SagaID: cmd.SagaID, OrderID: cmd.OrderID, Type: cmd.Type, Reason: reason, Retryable: retryable, RepliedAt: now}
}

// DecodeCommand parses a command message. A message that does not decode
// will never decode, so the error wraps ErrPermanent.
func DecodeCommand(msg kafka.Message) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: decode command: %v", ErrPermanent, err)
	}
	if cmd.ID == "" || cmd.Type == "" {
		return Command{}, fmt.Errorf("%w: command without id or type", ErrPermanent)
	}
	return cmd, nil
}

func DecodeReply(msg kafka.Message) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: decode reply: %v", ErrPermanent, err)
	}
	if r.CommandID == "" || r.SagaID == "" {
		return Reply{}, fmt.Errorf("%w: reply without command or saga id", ErrPermanent)
	}
	return r, nil
}
