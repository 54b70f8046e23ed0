package gossipsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

var log = logger.Logger("gossipsub")

// ErrRouterClosed 路由器未启动或已停止
var ErrRouterClosed = errors.New("router closed")

const (
	// dispatchQueueSize 入站 RPC 分发队列长度
	dispatchQueueSize = 1024

	// openStreamTimeout 打开出站流超时
	openStreamTimeout = 5 * time.Second

	// writeTimeout 单帧写超时
	writeTimeout = 10 * time.Second
)

// PeerDirectory 网格候选来源与存活探测
//
// 由 DHT 实现：Candidates 返回路由表中的节点，Ping 走 DHT 协议探测，
// MarkDead 把无响应节点交还路由表处理。
type PeerDirectory interface {
	Ping(ctx context.Context, id types.NodeID) error
	MarkDead(id types.NodeID)
	Candidates() []types.PeerInfo
}

type nopDirectory struct{}

func (nopDirectory) Ping(context.Context, types.NodeID) error { return nil }
func (nopDirectory) MarkDead(types.NodeID)                    {}
func (nopDirectory) Candidates() []types.PeerInfo             { return nil }

// ============================================================================
//                              路由器
// ============================================================================

// Router GossipSub 路由器
//
// 每个入站流一个读 goroutine，解析后的 RPC 进入分发队列，由单个分发
// goroutine 处理；每个对端一个写 goroutine，经持久流发送有界发送队列中的 RPC。
type Router struct {
	cfg     config.GossipConfig
	host    *host.Host
	ident   *identity.Identity
	dir     PeerDirectory
	clock   clock.Clock
	metrics *metrics.Metrics

	mesh  *MeshManager
	cache *MessageCache
	seen  *SeenCache
	flood *floodGuard
	live  *livenessTracker

	// seqno 本地消息序号，以启动时的纳秒时间为起点
	seqno atomic.Uint64

	mu      sync.RWMutex
	peers   map[types.NodeID]*peerConn
	streams map[interfaces.Stream]struct{}
	dialing map[types.NodeID]struct{}
	closed  bool

	subsMu sync.RWMutex
	subs   map[string][]*Subscription

	iwantMu sync.Mutex
	iwants  map[types.NodeID][]types.MessageID

	dispatch chan inboundRPC

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type inboundRPC struct {
	from types.NodeID
	rpc  *RPC
}

type outgoing struct {
	rpc  *RPC
	sent chan error
}

// peerConn 对端发送状态
type peerConn struct {
	id     types.NodeID
	outbox chan outgoing
	ctx    context.Context
	cancel context.CancelFunc
}

// Option 路由器选项
type Option func(*Router)

// WithClock 设置时钟
func WithClock(clk clock.Clock) Option {
	return func(r *Router) { r.clock = clk }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithPeerDirectory 设置网格候选来源与探测
func WithPeerDirectory(d PeerDirectory) Option {
	return func(r *Router) { r.dir = d }
}

// New 创建路由器
func New(h *host.Host, id *identity.Identity, cfg config.GossipConfig, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:      cfg,
		host:     h,
		ident:    id,
		clock:    clock.New(),
		peers:    make(map[types.NodeID]*peerConn),
		streams:  make(map[interfaces.Stream]struct{}),
		dialing:  make(map[types.NodeID]struct{}),
		subs:     make(map[string][]*Subscription),
		iwants:   make(map[types.NodeID][]types.MessageID),
		dispatch: make(chan inboundRPC, dispatchQueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dir == nil {
		r.dir = nopDirectory{}
	}
	if r.metrics == nil {
		r.metrics = metrics.NewNop()
	}

	seen, err := NewSeenCache(cfg.SeenTTL, cfg.SeenCacheSize, r.clock)
	if err != nil {
		return nil, fmt.Errorf("创建去重缓存失败: %w", err)
	}
	r.seen = seen
	r.mesh = NewMeshManager(cfg, r.clock)
	r.cache = NewMessageCache(cfg.HistoryLength, cfg.HistoryGossip)
	r.flood = newFloodGuard(cfg.PeerRateLimit, cfg.PeerRateBurst, cfg.RateLimitCooldown, r.clock)
	r.live = newLivenessTracker()
	r.seqno.Store(uint64(time.Now().UnixNano()))
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动路由器
//
// 使用独立的后台 context，fx OnStart 的 ctx 在启动完成后即被取消。
// 停止后不可再次启动。
func (r *Router) Start(_ context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRouterClosed
	}
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return nil
	}

	r.host.SetStreamHandler(ProtocolID, r.handleStream)
	r.host.Notify((*routerNotifiee)(r))

	r.wg.Add(3)
	go r.dispatchLoop()
	go r.heartbeatLoop()
	go r.sweepLoop()

	for _, p := range r.host.ConnectedPeers() {
		r.addPeer(p)
	}

	log.Info("GossipSub 路由器启动",
		"self", r.host.ID().ShortString(),
		"D", r.cfg.D,
		"heartbeat", r.cfg.HeartbeatInterval)
	return nil
}

// Stop 停止路由器
//
// 先在 ShutdownGrace 内向所有网格成员发送 PRUNE，再关闭所有流和订阅。
func (r *Router) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return nil
	}

	r.shutdownPrune()

	r.mu.Lock()
	r.closed = true
	streams := make([]interfaces.Stream, 0, len(r.streams))
	for s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	r.cancel()
	r.host.RemoveStreamHandler(ProtocolID)
	for _, s := range streams {
		s.Close()
	}
	r.wg.Wait()

	r.subsMu.Lock()
	for _, subs := range r.subs {
		for _, s := range subs {
			s.close()
		}
	}
	r.subs = make(map[string][]*Subscription)
	r.subsMu.Unlock()

	log.Info("GossipSub 路由器已停止")
	return nil
}

func (r *Router) isRunning() bool {
	return atomic.LoadInt32(&r.running) == 1
}

// shutdownPrune 关闭前通知所有网格成员
func (r *Router) shutdownPrune() {
	byPeer := make(map[types.NodeID]*ControlMessage)
	for _, topic := range r.mesh.Topics() {
		for _, p := range r.mesh.MeshPeers(topic) {
			c, ok := byPeer[p]
			if !ok {
				c = &ControlMessage{}
				byPeer[p] = c
			}
			c.Prune = append(c.Prune, ControlPrune{Topic: topic, Backoff: r.backoffSeconds()})
		}
	}
	if len(byPeer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	var failed atomic.Int32
	for p, c := range byPeer {
		wg.Add(1)
		go func(p types.NodeID, c *ControlMessage) {
			defer wg.Done()
			if err := r.sendAndWait(ctx, p, &RPC{Control: c}); err != nil {
				failed.Add(1)
			}
		}(p, c)
	}
	wg.Wait()

	log.Debug("关闭前已发送 PRUNE", "peers", len(byPeer), "failed", failed.Load())
}

// ============================================================================
//                              订阅与发布
// ============================================================================

// Subscribe 订阅主题
//
// 同一主题可有多个本地订阅，第一个订阅加入主题并向所有对端通告。
func (r *Router) Subscribe(topic string) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("empty topic")
	}
	if len(topic) > types.MaxTopicLen {
		return nil, fmt.Errorf("topic %d bytes exceeds %d", len(topic), types.MaxTopicLen)
	}
	if !r.isRunning() {
		return nil, ErrRouterClosed
	}

	sub := newSubscription(topic, r.cfg.SubscriptionBuffer, r.unsubscribe)

	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.subs[topic] = append(r.subs[topic], sub)
	if r.mesh.Join(topic) {
		r.announce(topic)
		log.Info("加入主题", "topic", topic)
	}
	return sub, nil
}

func (r *Router) unsubscribe(sub *Subscription) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	list := r.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	sub.close()

	if len(list) > 0 {
		r.subs[sub.topic] = list
		return
	}
	delete(r.subs, sub.topic)
	if r.isRunning() {
		r.leave(sub.topic)
	}
}

// leave 离开主题：向网格成员发送 PRUNE，向所有对端通告取消订阅
func (r *Router) leave(topic string) {
	members := r.mesh.Leave(topic)
	inMesh := make(map[types.NodeID]struct{}, len(members))
	for _, p := range members {
		inMesh[p] = struct{}{}
	}

	for _, p := range r.connectedPeers() {
		rpc := &RPC{Subscriptions: []SubOpt{{Subscribe: false, Topic: topic}}}
		if _, ok := inMesh[p]; ok {
			rpc.Control = &ControlMessage{Prune: []ControlPrune{{Topic: topic, Backoff: r.backoffSeconds()}}}
		}
		r.send(p, rpc)
	}
	r.metrics.MeshPeers.DeleteLabelValues(topic)

	log.Info("离开主题", "topic", topic, "pruned", len(members))
}

// announce 向所有对端通告订阅
func (r *Router) announce(topic string) {
	rpc := &RPC{Subscriptions: []SubOpt{{Subscribe: true, Topic: topic}}}
	for _, p := range r.connectedPeers() {
		r.send(p, rpc)
	}
}

// Publish 发布消息
//
// 序号递增、签名、写入去重缓存和消息缓存、本地投递，然后推送给网格成员
// （未订阅时推送给 fanout）。没有可达对端时同样成功，消息留在缓存中供 IHAVE。
func (r *Router) Publish(ctx context.Context, topic string, data []byte) (types.MessageID, error) {
	if !r.isRunning() {
		return types.MessageID{}, fmt.Errorf("%w: %w", types.ErrPublish, ErrRouterClosed)
	}
	if err := ctx.Err(); err != nil {
		return types.MessageID{}, fmt.Errorf("%w: %w", types.ErrPublish, err)
	}
	if topic == "" {
		return types.MessageID{}, fmt.Errorf("%w: empty topic", types.ErrPublish)
	}
	if len(topic) > types.MaxTopicLen {
		return types.MessageID{}, fmt.Errorf("%w: topic %d bytes exceeds %d",
			types.ErrPublish, len(topic), types.MaxTopicLen)
	}
	if len(data) > r.cfg.MaxMessageSize {
		return types.MessageID{}, fmt.Errorf("%w: payload %d bytes exceeds %d",
			types.ErrPublish, len(data), r.cfg.MaxMessageSize)
	}

	msg := &types.Envelope{
		From:  r.host.ID(),
		Seqno: r.seqno.Add(1),
		Topic: topic,
		Data:  append([]byte(nil), data...),
		Key:   r.ident.PublicKey(),
	}
	msg.Signature = r.ident.Sign(msg.SignBytes())
	id := msg.ID()

	r.seen.Add(id)
	r.cache.Put(msg)
	r.metrics.MessagesPublished.Inc()
	r.deliverLocal(msg)

	sent := r.push(msg, r.mesh.PublishPeers(topic), types.EmptyNodeID)

	log.Debug("发布消息",
		"topic", topic,
		"id", id.ShortString(),
		"size", len(data),
		"peers", sent)
	return id, nil
}

// ============================================================================
//                              查询
// ============================================================================

// TopicPeers 返回通告订阅了主题的已连接对端
func (r *Router) TopicPeers(topic string) []types.NodeID {
	return r.mesh.PeersInTopic(topic)
}

// MeshPeers 返回主题的网格成员
func (r *Router) MeshPeers(topic string) []types.NodeID {
	return r.mesh.MeshPeers(topic)
}

// TopicState 返回本地主题状态
func (r *Router) TopicState(topic string) TopicState {
	return r.mesh.TopicState(topic)
}

// Topics 返回已订阅主题
func (r *Router) Topics() []string {
	return r.mesh.Topics()
}

// ============================================================================
//                              对端管理
// ============================================================================

type routerNotifiee Router

func (n *routerNotifiee) Connected(peer types.NodeID) {
	(*Router)(n).addPeer(peer)
}

func (n *routerNotifiee) Disconnected(peer types.NodeID) {
	(*Router)(n).removePeer(peer)
}

// addPeer 为 peer 启动写 goroutine 并发送订阅快照，已存在时返回 false
func (r *Router) addPeer(peer types.NodeID) bool {
	if !r.isRunning() || peer == r.host.ID() {
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.peers[peer]; ok {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(r.ctx)
	pc := &peerConn{
		id:     peer,
		outbox: make(chan outgoing, r.cfg.OutboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	r.peers[peer] = pc
	r.wg.Add(1)
	r.mu.Unlock()

	go r.writeLoop(pc)

	r.mesh.AddPeer(peer)
	r.live.Touch(peer)
	r.sendHello(peer)

	log.Debug("对端加入", "peer", peer.ShortString())
	return true
}

// removePeer 连接断开后清理对端状态
func (r *Router) removePeer(peer types.NodeID) {
	r.mu.Lock()
	pc := r.peers[peer]
	delete(r.peers, peer)
	r.mu.Unlock()

	if pc == nil {
		return
	}
	pc.cancel()

	topics := r.mesh.RemovePeer(peer)
	r.live.Forget(peer)
	r.flood.Forget(peer)
	r.iwantMu.Lock()
	delete(r.iwants, peer)
	r.iwantMu.Unlock()

	log.Debug("对端离开", "peer", peer.ShortString(), "meshTopics", topics)
}

// evict 移除连续探测失败的网格成员并交给路由表标记 dead
func (r *Router) evict(peer types.NodeID) {
	topics := r.mesh.RemovePeer(peer)
	r.live.Forget(peer)
	r.flood.Forget(peer)
	r.dir.MarkDead(peer)

	r.mu.Lock()
	pc := r.peers[peer]
	delete(r.peers, peer)
	r.mu.Unlock()
	if pc != nil {
		pc.cancel()
	}

	if err := r.host.ClosePeer(peer); err != nil {
		log.Debug("关闭连接失败", "peer", peer.ShortString(), "err", err)
	}
	log.Info("网格成员无响应，已移除",
		"peer", peer.ShortString(),
		"topics", topics)
}

func (r *Router) connectedPeers() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]types.NodeID, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// sendHello 发送本地订阅快照
func (r *Router) sendHello(peer types.NodeID) {
	topics := r.mesh.Topics()
	if len(topics) == 0 {
		return
	}
	rpc := &RPC{Subscriptions: make([]SubOpt, len(topics))}
	for i, t := range topics {
		rpc.Subscriptions[i] = SubOpt{Subscribe: true, Topic: t}
	}
	r.send(peer, rpc)
}

// ============================================================================
//                              发送
// ============================================================================

// send 将 RPC 放入 peer 的发送队列，队列满或 peer 未连接时返回 false
func (r *Router) send(peer types.NodeID, rpc *RPC) bool {
	r.mu.RLock()
	pc := r.peers[peer]
	r.mu.RUnlock()
	if pc == nil {
		return false
	}

	select {
	case pc.outbox <- outgoing{rpc: rpc}:
		return true
	default:
		log.Debug("发送队列已满，丢弃 RPC", "peer", peer.ShortString())
		r.live.Flag(peer)
		return false
	}
}

// sendAndWait 发送 RPC 并等待写出
func (r *Router) sendAndWait(ctx context.Context, peer types.NodeID, rpc *RPC) error {
	r.mu.RLock()
	pc := r.peers[peer]
	r.mu.RUnlock()
	if pc == nil {
		return types.ErrConnectionClosed
	}

	sent := make(chan error, 1)
	select {
	case pc.outbox <- outgoing{rpc: rpc, sent: sent}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-sent:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// push 向 peers 推送消息，跳过来源和原作者；不可达的成员被标记待探测
func (r *Router) push(msg *types.Envelope, peers []types.NodeID, from types.NodeID) int {
	rpc := &RPC{Messages: []*types.Envelope{msg}}
	sent := 0
	for _, p := range peers {
		if p == from || p == msg.From {
			continue
		}
		if !r.send(p, rpc) {
			r.live.Flag(p)
			continue
		}
		sent++
	}
	return sent
}

func (r *Router) writeLoop(pc *peerConn) {
	defer r.wg.Done()

	var s interfaces.Stream
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	for {
		select {
		case <-pc.ctx.Done():
			return
		case out := <-pc.outbox:
			err := r.writeRPC(pc, &s, out.rpc)
			if out.sent != nil {
				out.sent <- err
			}
		}
	}
}

func (r *Router) writeRPC(pc *peerConn, sp *interfaces.Stream, rpc *RPC) error {
	if *sp == nil {
		ctx, cancel := context.WithTimeout(pc.ctx, openStreamTimeout)
		s, err := r.host.NewStream(ctx, pc.id, ProtocolID)
		cancel()
		if err != nil {
			r.live.Flag(pc.id)
			log.Debug("打开流失败", "peer", pc.id.ShortString(), "err", err)
			return err
		}
		*sp = s
	}

	frame := rpc.Marshal()
	s := *sp
	_ = s.SetDeadline(time.Now().Add(writeTimeout))
	if err := s.Send(frame); err != nil {
		s.Close()
		*sp = nil
		r.live.Flag(pc.id)
		log.Debug("发送 RPC 失败", "peer", pc.id.ShortString(), "err", err)
		return err
	}
	r.metrics.BytesSent.WithLabelValues(ProtocolID).Add(float64(len(frame)))
	return nil
}

// ============================================================================
//                              接收
// ============================================================================

// handleStream 入站流读循环
func (r *Router) handleStream(s interfaces.Stream) {
	from := s.Conn().RemoteID()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Close()
		return
	}
	r.streams[s] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.streams, s)
		r.mu.Unlock()
		s.Close()
		r.wg.Done()
	}()

	// 对端写端（重新）建立，补发订阅快照
	if !r.addPeer(from) {
		r.sendHello(from)
	}

	for {
		frame, err := s.Receive()
		if err != nil {
			if !errors.Is(err, types.ErrConnectionClosed) {
				log.Debug("读取 RPC 失败", "peer", from.ShortString(), "err", err)
			}
			return
		}
		r.metrics.BytesReceived.WithLabelValues(ProtocolID).Add(float64(len(frame)))

		rpc, err := UnmarshalRPC(frame)
		if err != nil {
			log.Debug("丢弃格式错误的 RPC", "peer", from.ShortString(), "err", err)
			continue
		}
		r.live.Touch(from)
		r.filterFlood(from, rpc)
		if rpc.IsEmpty() {
			continue
		}

		select {
		case r.dispatch <- inboundRPC{from: from, rpc: rpc}:
		case <-r.ctx.Done():
			return
		}
	}
}

// filterFlood 丢弃超出速率限制的数据消息，控制消息不受影响
func (r *Router) filterFlood(from types.NodeID, rpc *RPC) {
	if len(rpc.Messages) == 0 {
		return
	}
	kept := rpc.Messages[:0]
	for _, m := range rpc.Messages {
		if err := r.flood.Allow(from); err != nil {
			r.metrics.MessagesRateLimited.Inc()
			log.Debug("丢弃消息", "peer", from.ShortString(), "topic", m.Topic, "err", err)
			continue
		}
		kept = append(kept, m)
	}
	rpc.Messages = kept
}

func (r *Router) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case in := <-r.dispatch:
			r.handleRPC(in.from, in.rpc)
		case <-r.ctx.Done():
			return
		}
	}
}

// handleRPC 处理一条入站 RPC
func (r *Router) handleRPC(from types.NodeID, rpc *RPC) {
	for _, sub := range rpc.Subscriptions {
		r.mesh.SetPeerTopic(from, sub.Topic, sub.Subscribe)
	}
	for _, msg := range rpc.Messages {
		r.handleMessage(from, msg)
	}
	if rpc.Control != nil {
		r.handleControl(from, rpc.Control)
	}
}

// handleMessage 去重、验证、投递并转发
func (r *Router) handleMessage(from types.NodeID, msg *types.Envelope) {
	id := msg.ID()
	if r.seen.Has(id) {
		r.metrics.MessagesDuplicate.Inc()
		return
	}
	if err := r.validate(msg); err != nil {
		r.metrics.MessagesInvalid.Inc()
		log.Debug("消息验证失败",
			"from", from.ShortString(),
			"topic", msg.Topic,
			"err", err)
		return
	}
	if !r.seen.Add(id) {
		r.metrics.MessagesDuplicate.Inc()
		return
	}

	r.mesh.AddContribution(from, msg.Topic)
	r.cache.Put(msg)
	r.deliverLocal(msg)

	if r.mesh.IsSubscribed(msg.Topic) {
		n := r.push(msg, r.mesh.MeshPeers(msg.Topic), from)
		r.metrics.MessagesForwarded.Add(float64(n))
	}

	log.Debug("收到消息",
		"from", from.ShortString(),
		"topic", msg.Topic,
		"id", id.ShortString())
}

// validate 校验负载大小和签名，公钥必须派生出发送者 ID
func (r *Router) validate(msg *types.Envelope) error {
	if len(msg.Data) > r.cfg.MaxMessageSize {
		return fmt.Errorf("%w: payload %d bytes", types.ErrMalformedMessage, len(msg.Data))
	}
	if len(msg.Topic) > types.MaxTopicLen {
		return fmt.Errorf("%w: topic %d bytes", types.ErrMalformedMessage, len(msg.Topic))
	}
	return identity.Verify(msg.From, msg.Key, msg.SignBytes(), msg.Signature)
}

func (r *Router) deliverLocal(msg *types.Envelope) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for _, s := range r.subs[msg.Topic] {
		select {
		case s.ch <- msg:
			r.metrics.MessagesDelivered.Inc()
		default:
			log.Warn("订阅者处理过慢，丢弃消息",
				"topic", msg.Topic,
				"id", msg.ID().ShortString())
		}
	}
}

// ============================================================================
//                              控制消息
// ============================================================================

func (r *Router) handleControl(from types.NodeID, ctrl *ControlMessage) {
	for _, ih := range ctrl.IHave {
		r.handleIHave(from, ih)
	}
	for _, iw := range ctrl.IWant {
		r.handleIWant(from, iw)
	}

	var rejected []ControlPrune
	for _, g := range ctrl.Graft {
		if r.mesh.Graft(from, g.Topic) {
			log.Debug("GRAFT 接受", "from", from.ShortString(), "topic", g.Topic)
			continue
		}
		rejected = append(rejected, ControlPrune{Topic: g.Topic, Backoff: r.backoffSeconds()})
	}
	if len(rejected) > 0 {
		r.send(from, &RPC{Control: &ControlMessage{Prune: rejected}})
	}

	for _, p := range ctrl.Prune {
		backoff := time.Duration(p.Backoff) * time.Second
		if backoff == 0 {
			backoff = r.cfg.PruneBackoff
		}
		r.mesh.Prune(from, p.Topic, backoff)
		log.Debug("PRUNE", "from", from.ShortString(), "topic", p.Topic, "backoff", backoff)
	}
}

// handleIHave 请求本地未见过的消息
func (r *Router) handleIHave(from types.NodeID, ih ControlIHave) {
	if !r.mesh.IsSubscribed(ih.Topic) {
		return
	}

	var want []types.MessageID
	for _, id := range ih.MessageIDs {
		if len(want) >= r.cfg.MaxIHaveLength {
			break
		}
		if !r.seen.Has(id) {
			want = append(want, id)
		}
	}
	if len(want) == 0 {
		return
	}
	r.send(from, &RPC{Control: &ControlMessage{IWant: []ControlIWant{{MessageIDs: want}}}})
}

// handleIWant 排队，由下一次心跳从消息缓存应答
func (r *Router) handleIWant(from types.NodeID, iw ControlIWant) {
	r.iwantMu.Lock()
	defer r.iwantMu.Unlock()

	q := append(r.iwants[from], iw.MessageIDs...)
	if len(q) > r.cfg.MaxIHaveLength {
		q = q[:r.cfg.MaxIHaveLength]
	}
	r.iwants[from] = q
}

func (r *Router) backoffSeconds() uint64 {
	return uint64(r.cfg.PruneBackoff / time.Second)
}
