package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/dht"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-overlay/internal/core/transport/memnet"
	"github.com/dep2p/go-overlay/pkg/types"
)

type testNode struct {
	id     *identity.Identity
	host   *host.Host
	dht    *dht.DHT
	router *gossipsub.Router
	bridge *Bridge
}

func (n *testNode) ID() types.NodeID { return n.id.ID() }

func newTestNode(t *testing.T, net *memnet.Network, tweaks ...func(*config.DiscoveryConfig)) *testNode {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	h := host.New(net.NewTransport(id.ID()))
	ctx := context.Background()

	d := dht.New(h, config.DefaultDHTConfig())
	require.NoError(t, d.Start(ctx))

	gcfg := config.DefaultGossipConfig()
	gcfg.HeartbeatInterval = 50 * time.Millisecond
	gcfg.HeartbeatInitialDelay = 10 * time.Millisecond
	gcfg.ShutdownGrace = 100 * time.Millisecond
	r, err := gossipsub.New(h, id, gcfg, gossipsub.WithPeerDirectory(d))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))

	cfg := config.DefaultDiscoveryConfig()
	cfg.Interval = 50 * time.Millisecond
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	b := New(cfg, h, id, r, d)
	require.NoError(t, b.Start(ctx))

	t.Cleanup(func() {
		b.Stop()
		r.Stop()
		d.Stop()
		h.Close()
	})
	return &testNode{id: id, host: h, dht: d, router: r, bridge: b}
}

func TestAnnouncement_Codec(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	ann := &Announcement{ID: id.ID(), PublicKey: id.PublicKey(), Addrs: []string{"mem/1", "127.0.0.1:4001"}}
	got, err := UnmarshalAnnouncement(ann.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ann, got)

	_, err = UnmarshalAnnouncement([]byte{0xff})
	assert.ErrorIs(t, err, types.ErrMalformedMessage)

	_, err = UnmarshalAnnouncement((&Announcement{PublicKey: id.PublicKey()}).Marshal()[34:])
	assert.ErrorIs(t, err, types.ErrMalformedMessage)

	// 公钥与 ID 不匹配
	forged := &Announcement{ID: types.RandomNodeID(), PublicKey: id.PublicKey()}
	_, err = UnmarshalAnnouncement(forged.Marshal())
	assert.ErrorIs(t, err, types.ErrMalformedIdentity)
}

func TestBridge_DiscoversThroughRelay(t *testing.T) {
	net := memnet.NewNetwork()
	a, b, c := newTestNode(t, net), newTestNode(t, net), newTestNode(t, net)
	ctx := context.Background()

	// A 与 C 只连接 B，经 B 转发的通告相互发现
	_, err := a.host.Connect(ctx, b.host.Addrs()[0])
	require.NoError(t, err)
	_, err = c.host.Connect(ctx, b.host.Addrs()[0])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.host.IsConnected(c.ID()) && c.host.IsConnected(a.ID())
	}, 3*time.Second, 20*time.Millisecond)

	for _, n := range []*testNode{a, b, c} {
		assert.Eventually(t, func() bool {
			return n.dht.KnownPeerCount() == 2
		}, 3*time.Second, 20*time.Millisecond)
	}
	assert.GreaterOrEqual(t, c.bridge.Discovered(), uint64(1))
}

func TestBridge_RejectsRelayedAnnouncement(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, func(c *config.DiscoveryConfig) { c.DialDiscovered = false })

	other, err := identity.Generate()
	require.NoError(t, err)
	ann := &Announcement{ID: other.ID(), PublicKey: other.PublicKey(), Addrs: []string{"mem/999"}}

	// 由第三方转述的通告
	err = a.bridge.harvest(&types.Envelope{From: types.RandomNodeID(), Topic: "t", Data: ann.Marshal()})
	assert.ErrorIs(t, err, types.ErrMalformedMessage)
	assert.Zero(t, a.dht.KnownPeerCount())

	require.NoError(t, a.bridge.harvest(&types.Envelope{From: other.ID(), Topic: "t", Data: ann.Marshal()}))
	assert.Equal(t, 1, a.dht.KnownPeerCount())
	assert.Equal(t, uint64(1), a.bridge.Discovered())

	// 重复通告不重复计数
	require.NoError(t, a.bridge.harvest(&types.Envelope{From: other.ID(), Topic: "t", Data: ann.Marshal()}))
	assert.Equal(t, uint64(1), a.bridge.Discovered())
	assert.False(t, a.host.IsConnected(other.ID()))
}

func TestBridge_KnownBounded(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, func(c *config.DiscoveryConfig) {
		c.DialDiscovered = false
		c.KnownLimit = 2
	})

	announce := func(id *identity.Identity) {
		t.Helper()
		ann := &Announcement{ID: id.ID(), PublicKey: id.PublicKey(), Addrs: []string{"mem/999"}}
		require.NoError(t, a.bridge.harvest(&types.Envelope{From: id.ID(), Topic: "t", Data: ann.Marshal()}))
	}

	ids := make([]*identity.Identity, 3)
	for i := range ids {
		id, err := identity.Generate()
		require.NoError(t, err)
		ids[i] = id
	}

	announce(ids[0])
	announce(ids[1])
	// 重复通告刷新 ids[0]，随后 ids[1] 最久未通告
	announce(ids[0])
	announce(ids[2])

	assert.Equal(t, 2, a.bridge.KnownCount())
	assert.Equal(t, uint64(3), a.bridge.Discovered())

	// 被淘汰的节点再次通告视为新发现
	announce(ids[1])
	assert.Equal(t, 2, a.bridge.KnownCount())
	assert.Equal(t, uint64(4), a.bridge.Discovered())
}
