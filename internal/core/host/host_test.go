package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/transport/memnet"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

type recordingNotifiee struct {
	mu           sync.Mutex
	connected    []types.NodeID
	disconnected []types.NodeID
}

func (r *recordingNotifiee) Connected(p types.NodeID) {
	r.mu.Lock()
	r.connected = append(r.connected, p)
	r.mu.Unlock()
}

func (r *recordingNotifiee) Disconnected(p types.NodeID) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, p)
	r.mu.Unlock()
}

func (r *recordingNotifiee) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected)
}

func TestHost_ConnectAndNotify(t *testing.T) {
	n := memnet.NewNetwork()
	a := New(n.NewTransport(types.RandomNodeID()))
	b := New(n.NewTransport(types.RandomNodeID()))

	na, nb := &recordingNotifiee{}, &recordingNotifiee{}
	a.Notify(na)
	b.Notify(nb)

	ctx := context.Background()
	id, err := a.Connect(ctx, b.Addrs()[0])
	require.NoError(t, err)
	assert.Equal(t, b.ID(), id)
	assert.Equal(t, b.Addrs(), a.PeerAddrs(b.ID()))

	// 第二个连接不重复通知
	_, err = a.Connect(ctx, b.Addrs()[0])
	require.NoError(t, err)

	c, _ := na.counts()
	assert.Equal(t, 1, c)
	assert.True(t, b.IsConnected(a.ID()))
	assert.ElementsMatch(t, []types.NodeID{b.ID()}, a.ConnectedPeers())

	require.NoError(t, a.ClosePeer(b.ID()))
	assert.Eventually(t, func() bool {
		_, d := na.counts()
		_, db := nb.counts()
		return d == 1 && db == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, a.IsConnected(b.ID()))
}

func TestHost_NewStreamDialsKnownAddr(t *testing.T) {
	n := memnet.NewNetwork()
	a := New(n.NewTransport(types.RandomNodeID()))
	b := New(n.NewTransport(types.RandomNodeID()))

	b.SetStreamHandler("/ping", func(s interfaces.Stream) {
		f, err := s.Receive()
		if err == nil {
			_ = s.Send(f)
		}
	})

	ctx := context.Background()
	_, err := a.NewStream(ctx, b.ID(), "/ping")
	assert.ErrorIs(t, err, types.ErrConnect)

	a.AddAddrs(b.ID(), b.Addrs())
	s, err := a.NewStream(ctx, b.ID(), "/ping")
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("x")))
	got, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestHost_ConnectPeerWrongIdentity(t *testing.T) {
	n := memnet.NewNetwork()
	a := New(n.NewTransport(types.RandomNodeID()))
	b := New(n.NewTransport(types.RandomNodeID()))

	claimed := types.RandomNodeID()
	err := a.ConnectPeer(context.Background(), types.PeerInfo{ID: claimed, Addrs: b.Addrs()})
	assert.ErrorIs(t, err, types.ErrConnect)
	assert.Empty(t, a.PeerAddrs(claimed))
}

func TestHost_Close(t *testing.T) {
	n := memnet.NewNetwork()
	a := New(n.NewTransport(types.RandomNodeID()))
	b := New(n.NewTransport(types.RandomNodeID()))

	_, err := a.Connect(context.Background(), b.Addrs()[0])
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.Eventually(t, func() bool { return !b.IsConnected(a.ID()) }, time.Second, 10*time.Millisecond)
}

func TestResolveAddrs(t *testing.T) {
	got := ResolveAddrs(
		[]string{"0.0.0.0:4001", "[::]:4002", "10.0.0.7:4003", "mem/3"},
		"192.168.1.20:53122",
	)
	assert.Equal(t, []string{
		"192.168.1.20:4001",
		"192.168.1.20:4002",
		"10.0.0.7:4003",
		"mem/3",
	}, got)

	// 观测地址无效时原样返回
	assert.Equal(t, []string{"0.0.0.0:1"}, ResolveAddrs([]string{"0.0.0.0:1"}, "mem/1"))
}
