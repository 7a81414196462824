// Package domain defines notifications and the channels that deliver them.
package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWebhook  Channel = "webhook"
	ChannelRealtime Channel = "realtime"
)

var ErrUnsupportedChannel = errors.New("unsupported notification channel")

// Notification is one rendered message for one order event.
type Notification struct {
	ID          string    `json:"id"`
	Channel     Channel   `json:"channel"`
	Template    string    `json:"template"`
	EventType   string    `json:"event_type"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	CustomerID  string    `json:"customer_id"`
	Recipient   string    `json:"recipient,omitempty"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notifier delivers notifications on a single channel.
type Notifier interface {
	Channel() Channel
	Send(ctx context.Context, n Notification) error
}

// Factory picks the notifier for a channel.
type Factory struct {
	notifiers map[Channel]Notifier
}

func NewFactory(notifiers ...Notifier) *Factory {
	f := &Factory{notifiers: make(map[Channel]Notifier, len(notifiers))}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers[n.Channel()] = n
		}
	}
	return f
}

func (f *Factory) For(ch Channel) (Notifier, error) {
	n, ok := f.notifiers[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	return n, nil
}

// Channels lists the configured channels in a stable order.
func (f *Factory) Channels() []Channel {
	out := make([]Channel, 0, len(f.notifiers))
	for ch := range f.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
