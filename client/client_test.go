package client_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/Lancast/client"
	"github.com/SWAI-Ltd/Lancast/internal/discovery"
	"github.com/SWAI-Ltd/Lancast/internal/relay"
)

func startServer(t *testing.T) (srv *relay.Server, host string, port int) {
	t.Helper()
	srv = relay.NewServer(relay.Config{})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	host, port, err := discovery.ParseAddr(srv.Addr())
	require.NoError(t, err)
	return srv, host, port
}

func TestSendWhileDisconnected(t *testing.T) {
	c := client.New(client.Config{})
	err := c.Send([]byte("nope"))
	assert.ErrorIs(t, err, client.ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestConnectToDeadPort(t *testing.T) {
	c := client.New(client.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx, "127.0.0.1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrConnect)
	assert.False(t, c.Connected())

	// The failed attempt left nothing behind; a later Connect starts clean.
	assert.ErrorIs(t, c.Send([]byte("x")), client.ErrNotConnected)
}

func TestConnectTwice(t *testing.T) {
	_, host, port := startServer(t)
	c := client.New(client.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, host, port))
	defer c.Disconnect()

	assert.ErrorIs(t, c.Connect(ctx, host, port), client.ErrAlreadyConnected)
}

func TestDoubleDisconnectNotifiesOnce(t *testing.T) {
	_, host, port := startServer(t)

	var notifications atomic.Int64
	var lastReason atomic.Int64
	c := client.New(client.Config{
		OnDisconnected: func(reason client.Reason, err error) {
			notifications.Add(1)
			lastReason.Store(int64(reason))
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, host, port))

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, int64(1), notifications.Load())
	assert.Equal(t, client.ReasonLocalClosed, client.Reason(lastReason.Load()))
	assert.False(t, c.Connected())
}

func TestDisconnectWithoutConnect(t *testing.T) {
	called := false
	c := client.New(client.Config{
		OnDisconnected: func(client.Reason, error) { called = true },
	})
	c.Disconnect()
	assert.False(t, called)
}

func TestServerStopSurfacesPeerClosed(t *testing.T) {
	srv, host, port := startServer(t)

	drops := make(chan client.Reason, 2)
	c := client.New(client.Config{
		OnDisconnected: func(reason client.Reason, err error) { drops <- reason },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, host, port))

	srv.Stop()

	select {
	case reason := <-drops:
		assert.Equal(t, client.ReasonPeerClosed, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed server stop")
	}
	require.Eventually(t, func() bool { return !c.Connected() },
		2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Send([]byte("late")), client.ErrNotConnected)
}

func TestRapidReconnectKeepsIdentityUsable(t *testing.T) {
	_, host, port := startServer(t)

	// The client reuses its identity across cycles; reconnecting before the
	// relay noticed the previous disconnect must still succeed.
	c := client.New(client.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Connect(ctx, host, port), "cycle %d", i)
		c.Disconnect()
	}
	require.NoError(t, c.Connect(ctx, host, port))
	defer c.Disconnect()
	assert.True(t, c.Connected())
}

func TestReconnectStartsFreshCycle(t *testing.T) {
	_, host, port := startServer(t)

	got := make(chan []byte, 4)
	receiver := client.New(client.Config{
		OnMessage: func(payload []byte) { got <- payload },
	})
	sender := client.New(client.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, receiver.Connect(ctx, host, port))
	defer receiver.Disconnect()

	require.NoError(t, sender.Connect(ctx, host, port))
	sender.Disconnect()
	require.NoError(t, sender.Connect(ctx, host, port))
	defer sender.Disconnect()

	require.NoError(t, sender.Send([]byte("second life")))
	select {
	case payload := <-got:
		assert.Equal(t, "second life", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("payload from reconnected client never arrived")
	}
}
