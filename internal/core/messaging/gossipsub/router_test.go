package gossipsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/transport/memnet"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

type testRouter struct {
	id     *identity.Identity
	host   *host.Host
	router *Router
	m      *metrics.Metrics
}

func (n *testRouter) ID() types.NodeID { return n.id.ID() }

func testConfig() config.GossipConfig {
	cfg := config.DefaultGossipConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatInitialDelay = 10 * time.Millisecond
	cfg.ShutdownGrace = 200 * time.Millisecond
	return cfg
}

func newTestRouter(t *testing.T, net *memnet.Network, cfg config.GossipConfig, opts ...Option) *testRouter {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	h := host.New(net.NewTransport(id.ID()))
	m := metrics.NewNop()
	r, err := New(h, id, cfg, append([]Option{WithMetrics(m)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		r.Stop()
		h.Close()
	})
	return &testRouter{id: id, host: h, router: r, m: m}
}

func connect(t *testing.T, a, b *testRouter) {
	t.Helper()
	_, err := a.host.Connect(context.Background(), b.host.Addrs()[0])
	require.NoError(t, err)
}

func subscribe(t *testing.T, n *testRouter, topic string) *Subscription {
	t.Helper()
	sub, err := n.router.Subscribe(topic)
	require.NoError(t, err)
	return sub
}

func signedEnvelope(id *identity.Identity, topic string, seqno uint64, data []byte) *types.Envelope {
	env := &types.Envelope{
		From:  id.ID(),
		Seqno: seqno,
		Topic: topic,
		Data:  data,
		Key:   id.PublicKey(),
	}
	env.Signature = id.Sign(env.SignBytes())
	return env
}

// expectMessage 等待一条消息
func expectMessage(t *testing.T, sub *Subscription) *types.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

// expectNoMessage 确认一段时间内没有更多消息
func expectNoMessage(t *testing.T, sub *Subscription, wait time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if ok {
			t.Fatalf("unexpected message %s on %s", msg.ID().ShortString(), msg.Topic)
		}
	case <-time.After(wait):
	}
}

type fakeDirectory struct {
	mu         sync.Mutex
	pingErr    error
	dead       []types.NodeID
	candidates []types.PeerInfo
}

func (d *fakeDirectory) Ping(context.Context, types.NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingErr
}

func (d *fakeDirectory) MarkDead(id types.NodeID) {
	d.mu.Lock()
	d.dead = append(d.dead, id)
	d.mu.Unlock()
}

func (d *fakeDirectory) Candidates() []types.PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.candidates
}

func (d *fakeDirectory) Dead() []types.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.NodeID(nil), d.dead...)
}

// ============================================================================
//                              传播
// ============================================================================

func TestRouter_ExactlyOnceDelivery(t *testing.T) {
	net := memnet.NewNetwork()
	nodes := make([]*testRouter, 5)
	for i := range nodes {
		nodes[i] = newTestRouter(t, net, testConfig())
	}
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			connect(t, nodes[i], nodes[j])
		}
	}

	subs := make([]*Subscription, len(nodes))
	for i, n := range nodes {
		subs[i] = subscribe(t, n, "chat")
	}
	for _, n := range nodes {
		require.Eventually(t, func() bool {
			return len(n.router.MeshPeers("chat")) == len(nodes)-1
		}, 2*time.Second, 10*time.Millisecond)
	}

	id, err := nodes[0].router.Publish(context.Background(), "chat", []byte("hi"))
	require.NoError(t, err)

	for i, sub := range subs {
		msg := expectMessage(t, sub)
		assert.Equal(t, id, msg.ID(), "node %d", i)
		assert.Equal(t, []byte("hi"), msg.Data)
		assert.Equal(t, nodes[0].ID(), msg.From)
	}
	for _, sub := range subs {
		expectNoMessage(t, sub, 300*time.Millisecond)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(nodes[0].m.MessagesPublished))
}

func TestRouter_PublishWithoutSubscribing(t *testing.T) {
	net := memnet.NewNetwork()
	a, b := newTestRouter(t, net, testConfig()), newTestRouter(t, net, testConfig())
	connect(t, a, b)

	sub := subscribe(t, b, "news")
	require.Eventually(t, func() bool {
		return len(a.router.TopicPeers("news")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 未订阅时经 fanout 发送
	_, err := a.router.Publish(context.Background(), "news", []byte("fanout"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fanout"), expectMessage(t, sub).Data)
	assert.Equal(t, TopicUnsubscribed, a.router.TopicState("news"))
}

func TestRouter_InvalidSignatureDropped(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestRouter(t, net, testConfig())
	sub := subscribe(t, a, "x")

	signer, err := identity.Generate()
	require.NoError(t, err)
	msg := signedEnvelope(signer, "x", 1, []byte("forged"))
	msg.From = types.RandomNodeID()

	a.router.handleMessage(types.RandomNodeID(), msg)

	expectNoMessage(t, sub, 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.m.MessagesInvalid))
	assert.False(t, a.router.seen.Has(msg.ID()))
}

func TestRouter_DuplicateDeliveredOnce(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestRouter(t, net, testConfig())
	sub := subscribe(t, a, "x")

	signer, err := identity.Generate()
	require.NoError(t, err)
	msg := signedEnvelope(signer, "x", 7, []byte("once"))
	from := types.RandomNodeID()

	a.router.handleMessage(from, msg)
	a.router.handleMessage(from, msg)

	assert.Equal(t, msg.ID(), expectMessage(t, sub).ID())
	expectNoMessage(t, sub, 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.m.MessagesDuplicate))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.m.MessagesDelivered))
}

func TestRouter_OversizeInboundRejected(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := testConfig()
	cfg.MaxMessageSize = 4
	a := newTestRouter(t, net, cfg)
	sub := subscribe(t, a, "x")

	signer, err := identity.Generate()
	require.NoError(t, err)
	a.router.handleMessage(types.RandomNodeID(), signedEnvelope(signer, "x", 1, []byte("too large")))

	expectNoMessage(t, sub, 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.m.MessagesInvalid))

	a.router.handleMessage(types.RandomNodeID(),
		signedEnvelope(signer, strings.Repeat("t", types.MaxTopicLen+1), 2, []byte("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.m.MessagesInvalid))
}

// ============================================================================
//                              订阅变更
// ============================================================================

func TestRouter_Unsubscribe(t *testing.T) {
	net := memnet.NewNetwork()
	a, b, c := newTestRouter(t, net, testConfig()), newTestRouter(t, net, testConfig()), newTestRouter(t, net, testConfig())
	connect(t, a, b)
	connect(t, a, c)
	connect(t, b, c)

	subX := map[*testRouter]*Subscription{}
	subY := map[*testRouter]*Subscription{}
	for _, n := range []*testRouter{a, b, c} {
		subX[n] = subscribe(t, n, "x")
		subY[n] = subscribe(t, n, "y")
	}
	for _, n := range []*testRouter{a, b, c} {
		require.Eventually(t, func() bool {
			return len(n.router.MeshPeers("x")) == 2 && len(n.router.MeshPeers("y")) == 2
		}, 2*time.Second, 10*time.Millisecond)
	}

	subX[c].Cancel()
	assert.Equal(t, TopicUnsubscribed, c.router.TopicState("x"))
	_, err := subX[c].Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionCancelled)

	for _, n := range []*testRouter{a, b} {
		require.Eventually(t, func() bool {
			return !n.router.mesh.IsPeerInMesh(c.ID(), "x") &&
				!containsPeer(n.router.TopicPeers("x"), c.ID())
		}, 2*time.Second, 10*time.Millisecond)
		assert.True(t, n.router.mesh.IsPeerInMesh(c.ID(), "y"))
	}
	// PRUNE 附带退避
	assert.False(t, a.router.mesh.Graft(c.ID(), "x"))

	xid, err := a.router.Publish(context.Background(), "x", []byte("only x"))
	require.NoError(t, err)
	yid, err := a.router.Publish(context.Background(), "y", []byte("only y"))
	require.NoError(t, err)

	assert.Equal(t, xid, expectMessage(t, subX[b]).ID())
	assert.Equal(t, yid, expectMessage(t, subY[b]).ID())
	assert.Equal(t, yid, expectMessage(t, subY[c]).ID())

	time.Sleep(200 * time.Millisecond)
	_, ok := c.router.cache.Get(xid)
	assert.False(t, ok)
}

func TestRouter_ShutdownPrunes(t *testing.T) {
	net := memnet.NewNetwork()
	a, b := newTestRouter(t, net, testConfig()), newTestRouter(t, net, testConfig())
	connect(t, a, b)
	subscribe(t, a, "x")
	subscribe(t, b, "x")
	require.Eventually(t, func() bool {
		return b.router.mesh.IsPeerInMesh(a.ID(), "x")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.router.Stop())
	assert.Eventually(t, func() bool {
		return !b.router.mesh.IsPeerInMesh(a.ID(), "x")
	}, time.Second, 10*time.Millisecond)

	_, err := a.router.Subscribe("x")
	assert.ErrorIs(t, err, ErrRouterClosed)
	assert.ErrorIs(t, a.router.Start(context.Background()), ErrRouterClosed)
}

func containsPeer(peers []types.NodeID, id types.NodeID) bool {
	for _, p := range peers {
		if p == id {
			return true
		}
	}
	return false
}

// ============================================================================
//                              存活探测
// ============================================================================

func TestRouter_ProbeEviction(t *testing.T) {
	net := memnet.NewNetwork()
	dir := &fakeDirectory{pingErr: errors.New("timeout")}
	a := newTestRouter(t, net, testConfig(), WithClock(clock.NewMock()), WithPeerDirectory(dir))
	b := newTestRouter(t, net, testConfig())
	connect(t, a, b)

	subscribe(t, a, "x")
	subscribe(t, b, "x")
	require.Eventually(t, func() bool {
		return containsPeer(a.router.TopicPeers("x"), b.ID())
	}, 2*time.Second, 10*time.Millisecond)

	a.router.heartbeat()
	require.True(t, a.router.mesh.IsPeerInMesh(b.ID(), "x"))

	a.router.live.Flag(b.ID())
	maxFailures := a.router.cfg.MaxProbeFailures
	for i := 0; a.router.live.Failures(b.ID()) < maxFailures-1; i++ {
		require.Less(t, i, 2*maxFailures)
		a.router.heartbeat()
		assert.True(t, a.router.mesh.IsPeerInMesh(b.ID(), "x"), "未达到失败上限前保留")
	}
	assert.Empty(t, dir.Dead())

	a.router.heartbeat()
	assert.False(t, a.router.mesh.IsPeerInMesh(b.ID(), "x"))
	assert.False(t, a.router.mesh.HasPeer(b.ID()))
	assert.Equal(t, []types.NodeID{b.ID()}, dir.Dead())
	assert.GreaterOrEqual(t, testutil.ToFloat64(a.m.ProbeFailures), float64(maxFailures))
	assert.Eventually(t, func() bool {
		return !a.host.IsConnected(b.ID())
	}, time.Second, 10*time.Millisecond)
}

func TestRouter_DialsCandidatesOnShortfall(t *testing.T) {
	net := memnet.NewNetwork()
	b := newTestRouter(t, net, testConfig())
	subscribe(t, b, "x")

	dir := &fakeDirectory{candidates: []types.PeerInfo{{ID: b.ID(), Addrs: b.host.Addrs()}}}
	a := newTestRouter(t, net, testConfig(), WithPeerDirectory(dir))
	subscribe(t, a, "x")

	// 候选不足时从目录拨号，连接后交换订阅并 GRAFT
	assert.Eventually(t, func() bool {
		return a.router.mesh.IsPeerInMesh(b.ID(), "x")
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
//                              发布与洪泛控制
// ============================================================================

func TestRouter_PublishErrors(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := testConfig()
	cfg.MaxMessageSize = 8
	a := newTestRouter(t, net, cfg)
	ctx := context.Background()

	_, err := a.router.Publish(ctx, "", []byte("x"))
	assert.ErrorIs(t, err, types.ErrPublish)

	_, err = a.router.Publish(ctx, "x", []byte("way too large"))
	assert.ErrorIs(t, err, types.ErrPublish)

	longTopic := strings.Repeat("t", types.MaxTopicLen+1)
	_, err = a.router.Publish(ctx, longTopic, []byte("x"))
	assert.ErrorIs(t, err, types.ErrPublish)
	_, err = a.router.Subscribe(longTopic)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.router.Publish(cancelled, "x", []byte("x"))
	assert.ErrorIs(t, err, types.ErrPublish)
	assert.ErrorIs(t, err, context.Canceled)

	// 没有对端时发布同样成功
	_, err = a.router.Publish(ctx, "x", []byte("alone"))
	assert.NoError(t, err)

	id, err := identity.Generate()
	require.NoError(t, err)
	idle, err := New(host.New(net.NewTransport(id.ID())), id, cfg)
	require.NoError(t, err)
	_, err = idle.Publish(ctx, "x", []byte("x"))
	assert.ErrorIs(t, err, types.ErrPublish)
	assert.ErrorIs(t, err, ErrRouterClosed)
}

func TestRouter_FilterFlood(t *testing.T) {
	net := memnet.NewNetwork()
	cfg := testConfig()
	cfg.PeerRateLimit = 1
	cfg.PeerRateBurst = 2
	a := newTestRouter(t, net, cfg)

	signer, err := identity.Generate()
	require.NoError(t, err)
	from := types.RandomNodeID()
	rpc := &RPC{
		Messages: []*types.Envelope{
			signedEnvelope(signer, "x", 1, nil),
			signedEnvelope(signer, "x", 2, nil),
			signedEnvelope(signer, "x", 3, nil),
		},
	}
	a.router.filterFlood(from, rpc)
	assert.Len(t, rpc.Messages, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.m.MessagesRateLimited))

	// 冷却中只保留控制消息
	ctrl := &RPC{
		Messages: []*types.Envelope{signedEnvelope(signer, "x", 4, nil)},
		Control:  &ControlMessage{Graft: []ControlGraft{{Topic: "x"}}},
	}
	a.router.filterFlood(from, ctrl)
	assert.Empty(t, ctrl.Messages)
	assert.False(t, ctrl.IsEmpty())
}

func TestRouter_IHaveRequestsUnseen(t *testing.T) {
	net := memnet.NewNetwork()
	a, b := newTestRouter(t, net, testConfig()), newTestRouter(t, net, testConfig())
	connect(t, a, b)
	sub := subscribe(t, b, "x")

	// A 缓存一条消息，B 收到 IHAVE 后发出 IWANT，A 在下一次心跳应答
	signer, err := identity.Generate()
	require.NoError(t, err)
	msg := signedEnvelope(signer, "x", 1, []byte("gossip"))
	a.router.cache.Put(msg)

	b.router.handleIHave(a.ID(), ControlIHave{Topic: "x", MessageIDs: []types.MessageID{msg.ID()}})
	assert.Equal(t, msg.ID(), expectMessage(t, sub).ID())
}
