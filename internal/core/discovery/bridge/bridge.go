package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/types"
)

var log = logger.Logger("discovery/bridge")

const (
	// dialTimeout 连接新发现节点的超时
	dialTimeout = 5 * time.Second

	// defaultKnownLimit 未配置 KnownLimit 时的已发现节点上限
	defaultKnownLimit = 4096
)

// PeerSink 接收发现的节点，由 DHT 路由表实现
type PeerSink interface {
	AddPeer(ctx context.Context, info types.PeerInfo) bool
}

// Bridge 发现桥
//
// 定期在发现主题上广播本节点的签名通告，并把收到的通告写入路由表；
// DialDiscovered 开启时连接尚未连接的节点，使其成为 gossip 候选。
type Bridge struct {
	cfg    config.DiscoveryConfig
	host   *host.Host
	ident  *identity.Identity
	router *gossipsub.Router
	sink   PeerSink
	clock  clock.Clock

	sub *gossipsub.Subscription

	mu      sync.Mutex
	dialing map[types.NodeID]struct{}
	known   *lru.Cache[types.NodeID, struct{}]

	discovered atomic.Uint64

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option 发现桥选项
type Option func(*Bridge)

// WithClock 设置时钟
func WithClock(clk clock.Clock) Option {
	return func(b *Bridge) { b.clock = clk }
}

// New 创建发现桥
func New(cfg config.DiscoveryConfig, h *host.Host, id *identity.Identity, r *gossipsub.Router, sink PeerSink, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		host:    h,
		ident:   id,
		router:  r,
		sink:    sink,
		clock:   clock.New(),
		dialing: make(map[types.NodeID]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	limit := cfg.KnownLimit
	if limit <= 0 {
		limit = defaultKnownLimit
	}
	b.known, _ = lru.New[types.NodeID, struct{}](limit)
	return b
}

// Start 订阅发现主题并启动广播
func (b *Bridge) Start(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.running, 0, 1) {
		return nil
	}

	sub, err := b.router.Subscribe(b.cfg.Topic)
	if err != nil {
		atomic.StoreInt32(&b.running, 0)
		return fmt.Errorf("订阅发现主题失败: %w", err)
	}
	b.sub = sub
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.wg.Add(2)
	go b.announceLoop()
	go b.harvestLoop()

	log.Info("发现桥启动", "topic", b.cfg.Topic, "interval", b.cfg.Interval)
	return nil
}

// Stop 停止广播并取消订阅
func (b *Bridge) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.running, 1, 0) {
		return nil
	}
	b.cancel()
	b.sub.Cancel()
	b.wg.Wait()
	return nil
}

// Discovered 返回通过通告获知并写入路由表的不同节点数
func (b *Bridge) Discovered() uint64 {
	return b.discovered.Load()
}

// ============================================================================
//                              广播
// ============================================================================

func (b *Bridge) announceLoop() {
	defer b.wg.Done()

	ticker := b.clock.Ticker(b.cfg.Interval)
	defer ticker.Stop()

	b.announce()
	for {
		select {
		case <-ticker.C:
			b.announce()
		case <-b.ctx.Done():
			return
		}
	}
}

// announce 发布本节点通告
func (b *Bridge) announce() {
	ann := &Announcement{
		ID:        b.ident.ID(),
		PublicKey: b.ident.PublicKey(),
		Addrs:     b.host.Addrs(),
	}
	if _, err := b.router.Publish(b.ctx, b.cfg.Topic, ann.Marshal()); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debug("发布通告失败", "err", err)
		}
	}
}

// ============================================================================
//                              收集
// ============================================================================

func (b *Bridge) harvestLoop() {
	defer b.wg.Done()
	for {
		msg, err := b.sub.Next(b.ctx)
		if err != nil {
			return
		}
		if err := b.harvest(msg); err != nil {
			log.Debug("丢弃通告", "from", msg.From.ShortString(), "err", err)
		}
	}
}

// harvest 校验通告并写入路由表
//
// 通告只能由节点自己发布：信封发送者必须等于通告中的 ID。
func (b *Bridge) harvest(msg *types.Envelope) error {
	ann, err := UnmarshalAnnouncement(msg.Data)
	if err != nil {
		return err
	}
	if ann.ID != msg.From {
		return fmt.Errorf("%w: announcement for %s sent by %s",
			types.ErrMalformedMessage, ann.ID.ShortString(), msg.From.ShortString())
	}
	if ann.ID == b.host.ID() || len(ann.Addrs) == 0 {
		return nil
	}

	if b.sink.AddPeer(b.ctx, ann.Info()) && b.markKnown(ann.ID) {
		b.discovered.Add(1)
		log.Debug("发现节点", "peer", ann.ID.ShortString(), "addrs", ann.Addrs)
	}
	if b.cfg.DialDiscovered && !b.host.IsConnected(ann.ID) {
		b.dial(ann.Info())
	}
	return nil
}

// markKnown 记录节点，返回是否首次出现
//
// 已知节点再次通告时刷新其位置，长期未通告的节点被淘汰。
func (b *Bridge) markKnown(id types.NodeID) bool {
	found, _ := b.known.ContainsOrAdd(id, struct{}{})
	if found {
		b.known.Get(id)
	}
	return !found
}

// KnownCount 返回当前记录的已发现节点数
func (b *Bridge) KnownCount() int {
	return b.known.Len()
}

// dial 异步连接发现的节点，同一节点同时只有一次拨号
func (b *Bridge) dial(info types.PeerInfo) {
	b.mu.Lock()
	if _, ok := b.dialing[info.ID]; ok || b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.dialing[info.ID] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.dialing, info.ID)
			b.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(b.ctx, dialTimeout)
		defer cancel()
		if err := b.host.ConnectPeer(ctx, info); err != nil {
			log.Debug("连接发现的节点失败", "peer", info.ID.ShortString(), "err", err)
		}
	}()
}
