package dht

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

var log = logger.Logger("dht")

// PeerStore 路由表持久化
type PeerStore interface {
	Load() ([]types.PeerRecord, error)
	Save(recs []types.PeerRecord) error
}

// ============================================================================
//                              DHT
// ============================================================================

// DHT Kademlia 节点路由
type DHT struct {
	host    *host.Host
	cfg     config.DHTConfig
	clock   clock.Clock
	rt      *RoutingTable
	net     Network
	metrics *metrics.Metrics

	store         PeerStore
	flushInterval time.Duration

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option DHT 选项
type Option func(*DHT)

// WithClock 设置时钟
func WithClock(clk clock.Clock) Option {
	return func(d *DHT) { d.clock = clk }
}

// WithNetwork 替换对外请求实现
func WithNetwork(n Network) Option {
	return func(d *DHT) { d.net = n }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *DHT) { d.metrics = m }
}

// WithPeerStore 启用路由表持久化，每 interval 保存一次
func WithPeerStore(s PeerStore, interval time.Duration) Option {
	return func(d *DHT) {
		d.store = s
		d.flushInterval = interval
	}
}

// New 创建 DHT
func New(h *host.Host, cfg config.DHTConfig, opts ...Option) *DHT {
	d := &DHT{
		host:  h,
		cfg:   cfg,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.net == nil {
		d.net = newHostNetwork(h, cfg.QueryTimeout)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewNop()
	}
	d.rt = NewRoutingTable(h.ID(), cfg, d.clock)
	d.rt.SetProber(ProberFunc(d.probeRecord))
	return d
}

// RoutingTable 返回路由表
func (d *DHT) RoutingTable() *RoutingTable {
	return d.rt
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动 DHT
func (d *DHT) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.rt.SetContext(d.ctx)

	if d.store != nil {
		recs, err := d.store.Load()
		if err != nil {
			log.Warn("加载路由表失败", "err", err)
		} else if n := d.rt.Restore(recs); n > 0 {
			log.Info("已恢复路由表", "peers", n)
		}
	}

	d.host.SetStreamHandler(ProtocolID, d.handleStream)

	d.wg.Add(1)
	go d.maintenanceLoop()

	log.Info("DHT 启动", "self", d.host.ID().ShortString(), "k", d.cfg.BucketSize, "alpha", d.cfg.Alpha)
	return nil
}

// Stop 停止 DHT，配置了持久化时保存路由表
func (d *DHT) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return nil
	}
	d.host.RemoveStreamHandler(ProtocolID)
	d.cancel()
	d.wg.Wait()

	var err error
	if d.store != nil {
		err = d.store.Save(d.rt.Peers())
	}
	log.Info("DHT 已停止")
	return err
}

func (d *DHT) isRunning() bool {
	return atomic.LoadInt32(&d.running) == 1
}

// maintenanceLoop 刷新过期桶、清理 dead 节点、定期持久化
func (d *DHT) maintenanceLoop() {
	defer d.wg.Done()

	refresh := d.clock.Ticker(d.cfg.RefreshInterval)
	defer refresh.Stop()

	var flush <-chan time.Time
	if d.store != nil && d.flushInterval > 0 {
		t := d.clock.Ticker(d.flushInterval)
		defer t.Stop()
		flush = t.C
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-refresh.C:
			if n := d.rt.Sweep(); n > 0 {
				log.Debug("已清除 dead 节点", "count", n)
			}
			if err := d.Refresh(d.ctx); err != nil {
				log.Debug("刷新失败", "err", err)
			}
			d.metrics.RoutingTablePeers.Set(float64(d.rt.Size()))
		case <-flush:
			if err := d.store.Save(d.rt.Peers()); err != nil {
				log.Warn("保存路由表失败", "err", err)
			}
		}
	}
}

// ============================================================================
//                              引导与刷新
// ============================================================================

// Bootstrap 连接种子节点并执行自查找
//
// 部分种子不可达不影响结果，全部不可达时返回 ErrBootstrapFailed。
// 自查找超时不视为失败。
func (d *DHT) Bootstrap(ctx context.Context, seeds []string) error {
	if !d.isRunning() {
		return NewDHTError("bootstrap", ErrDHTClosed, "")
	}
	if len(seeds) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		errs    error
		reached int32
		g       errgroup.Group
	)
	for _, addr := range seeds {
		addr := addr
		g.Go(func() error {
			id, err := d.host.Connect(ctx, addr)
			if err != nil {
				log.Debug("种子节点不可达", "addr", addr, "err", err)
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
				mu.Unlock()
				return nil
			}
			d.rt.Insert(ctx, types.PeerRecord{ID: id, Addrs: []string{addr}})
			atomic.AddInt32(&reached, 1)
			return nil
		})
	}
	_ = g.Wait()

	if reached == 0 {
		return NewDHTError("bootstrap", fmt.Errorf("%w: %w", types.ErrBootstrapFailed, errs), "")
	}
	if errs != nil {
		log.Warn("部分种子节点不可达", "reached", reached, "total", len(seeds), "err", errs)
	}

	peers, err := d.Lookup(ctx, d.host.ID())
	if err != nil {
		log.Warn("自查找未完成", "found", len(peers), "err", err)
	}
	d.metrics.RoutingTablePeers.Set(float64(d.rt.Size()))
	log.Info("引导完成", "seeds", reached, "known", d.rt.Size())
	return nil
}

// Refresh 对每个过期桶内的随机 ID 并发执行查找
func (d *DHT) Refresh(ctx context.Context) error {
	if d.rt.Size() == 0 {
		return nil
	}
	buckets := d.rt.StaleBuckets(d.cfg.BucketStaleAfter)
	if len(buckets) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, i := range buckets {
		i := i
		g.Go(func() error {
			_, err := d.Lookup(ctx, d.rt.RandomIDInBucket(i))
			d.rt.MarkRefreshed(i)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Debug("桶刷新完成", "buckets", len(buckets))
	return errs
}

// ============================================================================
//                              节点状态
// ============================================================================

// Ping 探测节点，结果计入路由表
func (d *DHT) Ping(ctx context.Context, id types.NodeID) error {
	info := types.PeerInfo{ID: id, Addrs: d.host.PeerAddrs(id)}
	if rec, ok := d.rt.Get(id); ok {
		info.Addrs = types.MergeAddrs(rec.Addrs, info.Addrs)
	}

	if err := d.net.Ping(ctx, info); err != nil {
		d.rt.RecordFailure(id)
		return err
	}
	if !d.rt.RecordSuccess(id) {
		d.rt.Insert(ctx, types.PeerRecord{ID: id, Addrs: info.Addrs})
	}
	return nil
}

func (d *DHT) probeRecord(ctx context.Context, rec types.PeerRecord) error {
	return d.net.Ping(ctx, rec.Info())
}

// MarkDead 将节点标记为 dead
func (d *DHT) MarkDead(id types.NodeID) {
	d.rt.MarkDead(id)
	d.metrics.RoutingTablePeers.Set(float64(d.rt.Size()))
}

// AddPeer 记录从其他渠道获知的节点
func (d *DHT) AddPeer(ctx context.Context, info types.PeerInfo) bool {
	d.host.AddAddrs(info.ID, info.Addrs)
	return d.rt.Insert(ctx, types.PeerRecord{ID: info.ID, Addrs: info.Addrs})
}

// KnownPeerCount 返回路由表中非 dead 节点数
func (d *DHT) KnownPeerCount() int {
	return d.rt.Size()
}

// Candidates 返回路由表中的全部非 dead 节点
func (d *DHT) Candidates() []types.PeerInfo {
	recs := d.rt.Peers()
	out := make([]types.PeerInfo, len(recs))
	for i, r := range recs {
		out[i] = r.Info()
	}
	return out
}

// ============================================================================
//                              入站请求
// ============================================================================

func (d *DHT) handleStream(s interfaces.Stream) {
	defer s.Close()

	remote := s.Conn().RemoteID()
	_ = s.SetDeadline(time.Now().Add(d.cfg.QueryTimeout))

	frame, err := s.Receive()
	if err != nil {
		return
	}
	req, err := UnmarshalMessage(frame)
	if err != nil {
		log.Debug("丢弃格式错误的请求", "peer", remote.ShortString(), "err", err)
		return
	}
	if req.Sender.ID != remote {
		log.Debug("请求发送者与连接身份不符", "peer", remote.ShortString(), "claimed", req.Sender.ID.ShortString())
		return
	}

	self := types.PeerInfo{ID: d.host.ID(), Addrs: d.host.Addrs()}
	var resp *Message
	switch req.Type {
	case MessagePing:
		resp = req.Response(MessagePong, self, nil)
	case MessageFindNode:
		resp = req.Response(MessageFindNodeResp, self, d.closerPeers(req.Target, remote))
	default:
		log.Debug("非请求类消息", "peer", remote.ShortString(), "type", req.Type)
		return
	}
	if err := s.Send(resp.Marshal()); err != nil {
		log.Debug("发送响应失败", "peer", remote.ShortString(), "err", err)
		return
	}

	// 请求方已证明在线，响应发出后再入表，避免满桶探测拖慢响应
	addrs := host.ResolveAddrs(req.Sender.Addrs, s.Conn().RemoteAddr())
	d.host.AddAddrs(remote, addrs)
	if d.isRunning() {
		d.rt.Insert(d.ctx, types.PeerRecord{ID: remote, Addrs: addrs})
	}
}

// closerPeers 返回距 target 最近的 k 个节点，不含请求方
func (d *DHT) closerPeers(target, requester types.NodeID) []types.PeerInfo {
	recs := d.rt.ClosestTo(target, d.cfg.BucketSize+1)
	out := make([]types.PeerInfo, 0, len(recs))
	for _, r := range recs {
		if r.ID == requester {
			continue
		}
		out = append(out, r.Info())
		if len(out) == d.cfg.BucketSize {
			break
		}
	}
	return out
}
