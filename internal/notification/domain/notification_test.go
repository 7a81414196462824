package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopNotifier Channel

func (n nopNotifier) Channel() Channel                       { return Channel(n) }
func (nopNotifier) Send(context.Context, Notification) error { return nil }

func TestFactory(t *testing.T) {
	f := NewFactory(nopNotifier(ChannelWebhook), nopNotifier(ChannelEmail), nil)

	n, err := f.For(ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, n.Channel())

	_, err = f.For(ChannelSMS)
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
	assert.Equal(t, []Channel{ChannelEmail, ChannelWebhook}, f.Channels())
}
