package chatsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportSingleton(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, DisposeTransport())
	t.Cleanup(func() { DisposeTransport() })

	_, err := GetTransport()
	assert.ErrorIs(t, err, ErrTransportNotInitialized)
	_, err = NewClient("alice")
	assert.ErrorIs(t, err, ErrTransportNotInitialized)

	hub := NewLoopbackHub()
	bus, err := InitTransport(ctx, hub.Conn("alice"), nil)
	require.NoError(t, err)

	again, err := InitTransport(ctx, hub.Conn("alice"), nil)
	require.NoError(t, err)
	assert.Same(t, bus, again)

	got, err := GetTransport()
	require.NoError(t, err)
	assert.Same(t, bus, got)

	c, err := NewClient("alice")
	require.NoError(t, err)
	assert.Same(t, bus, c.Bus())
	assert.NotNil(t, c.Presence())
	assert.Equal(t, "alice", c.UserID())
	assert.Equal(t, DefaultCacheLimit, c.Store().Limit())

	_, err = c.Session().Open(ctx, "alice_bob")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("conversation-alice_bob"))

	require.NoError(t, DisposeTransport())
	_, err = GetTransport()
	assert.ErrorIs(t, err, ErrTransportNotInitialized)
	assert.Zero(t, hub.Subscribers("conversation-alice_bob"))
	require.NoError(t, DisposeTransport())
}

func TestNewClientOptions(t *testing.T) {
	hub := NewLoopbackHub()
	bus := NewChannelBus(hub.Conn("alice"), nil)
	c, err := NewClient("alice",
		WithBus(bus),
		WithCacheLimit(5),
		WithHistoryLimit(10),
		WithRealtimeKV(hub.Conn("alice")),
	)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Store().Limit())
	assert.NotNil(t, c.Repository().Store())

	_, err = NewClient("", WithBus(bus))
	assert.ErrorIs(t, err, ErrNoIdentity)
}
