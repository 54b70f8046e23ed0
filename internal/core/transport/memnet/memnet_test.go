package memnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

func TestConnectAndStream(t *testing.T) {
	n := NewNetwork()
	a := n.NewTransport(types.RandomNodeID())
	b := n.NewTransport(types.RandomNodeID())

	inbound := make(chan interfaces.Connection, 1)
	b.SetConnHandler(func(c interfaces.Connection) { inbound <- c })
	b.SetStreamHandler("/echo", func(s interfaces.Stream) {
		f, err := s.Receive()
		if err != nil {
			return
		}
		_ = s.Send(f)
		_ = s.Close()
	})

	ctx := context.Background()
	c, err := a.Connect(ctx, b.ListenAddrs()[0])
	require.NoError(t, err)
	assert.Equal(t, b.LocalID(), c.RemoteID())

	in := <-inbound
	assert.Equal(t, a.LocalID(), in.RemoteID())

	s, err := c.OpenStream(ctx, "/echo")
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("hi")))

	got, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))

	_, err = s.Receive()
	assert.ErrorIs(t, err, types.ErrConnectionClosed)

	_, err = c.OpenStream(ctx, "/missing")
	assert.ErrorIs(t, err, types.ErrConnectionClosed)
}

func TestUnreachable(t *testing.T) {
	n := NewNetwork()
	a := n.NewTransport(types.RandomNodeID())
	b := n.NewTransport(types.RandomNodeID())

	c, err := a.Connect(context.Background(), b.ListenAddrs()[0])
	require.NoError(t, err)

	n.SetUnreachable(b.ListenAddrs()[0], true)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("连接未断开")
	}

	_, err = a.Connect(context.Background(), b.ListenAddrs()[0])
	assert.ErrorIs(t, err, types.ErrConnect)

	n.SetUnreachable(b.ListenAddrs()[0], false)
	_, err = a.Connect(context.Background(), b.ListenAddrs()[0])
	assert.NoError(t, err)
}

func TestReceiveDeadline(t *testing.T) {
	n := NewNetwork()
	a := n.NewTransport(types.RandomNodeID())
	b := n.NewTransport(types.RandomNodeID())
	b.SetStreamHandler("/sink", func(interfaces.Stream) {})

	c, err := a.Connect(context.Background(), b.ListenAddrs()[0])
	require.NoError(t, err)
	s, err := c.OpenStream(context.Background(), "/sink")
	require.NoError(t, err)

	require.NoError(t, s.SetDeadline(time.Now().Add(20*time.Millisecond)))
	_, err = s.Receive()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
