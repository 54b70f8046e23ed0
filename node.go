package overlay

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/core/dht"
	"github.com/dep2p/go-overlay/internal/core/discovery/bridge"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/util/logger"
	"github.com/dep2p/go-overlay/pkg/types"
)

var log = logger.Logger("overlay")

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 已创建，未启动
	StateIdle NodeState = iota

	// StateStarting 启动中
	StateStarting

	// StateRunning 运行中
	StateRunning

	// StateStopping 停止中
	StateStopping

	// StateStopped 已关闭
	StateStopped
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              Node 结构
// ════════════════════════════════════════════════════════════════════════════

// Node 覆盖网络节点
//
// 组合身份、安全通道、DHT、GossipSub 路由器和发现桥，由 fx 装配。
type Node struct {
	config *nodeConfig
	app    *fx.App

	ident   *identity.Identity
	host    *host.Host
	metrics *metrics.Metrics
	dht     *dht.DHT
	router  *gossipsub.Router
	bridge  *bridge.Bridge

	mu    sync.RWMutex
	state NodeState
}

// New 创建节点但不启动
//
// 示例：
//
//	node, err := overlay.New(
//	    overlay.WithListenAddrs("0.0.0.0:4001"),
//	    overlay.WithKeyFile(".overlay-key"),
//	)
func New(opts ...Option) (*Node, error) {
	cfg := newNodeConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	node := &Node{config: cfg}
	app, err := buildFxApp(cfg, node)
	if err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	node.app = app
	return node, nil
}

// Start 创建并启动节点
func Start(ctx context.Context, opts ...Option) (*Node, error) {
	node, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	return node, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              基本信息
// ════════════════════════════════════════════════════════════════════════════

// ID 返回节点 ID
func (n *Node) ID() types.NodeID {
	return n.ident.ID()
}

// Addrs 返回监听地址
func (n *Node) Addrs() []string {
	return n.host.Addrs()
}

// State 返回节点状态
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// ConnectedPeers 返回已连接的节点
func (n *Node) ConnectedPeers() []types.NodeID {
	return n.host.ConnectedPeers()
}

// MetricsHandler 返回本节点指标的 HTTP 处理器
func (n *Node) MetricsHandler() http.Handler {
	return n.metrics.Handler()
}

func (n *Node) checkRunning() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch n.state {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrNodeClosed
	default:
		return ErrNotStarted
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              路由
// ════════════════════════════════════════════════════════════════════════════

// Bootstrap 连接种子节点并执行自查找
//
// 所有种子都不可达时返回 ErrBootstrapFailed；没有种子时立即成功。
func (n *Node) Bootstrap(ctx context.Context, seeds []string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	return n.dht.Bootstrap(ctx, seeds)
}

// KnownPeerCount 返回路由表中非 dead 节点数
func (n *Node) KnownPeerCount() int {
	return n.dht.KnownPeerCount()
}

// Lookup 查找距离 target 最近的节点
func (n *Node) Lookup(ctx context.Context, target types.NodeID) ([]types.PeerInfo, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	recs, err := n.dht.Lookup(ctx, target)
	if err != nil {
		return nil, err
	}
	infos := make([]types.PeerInfo, len(recs))
	for i, r := range recs {
		infos[i] = r.Info()
	}
	return infos, nil
}

// Connect 连接指定地址，返回对端 ID
func (n *Node) Connect(ctx context.Context, addr string) (types.NodeID, error) {
	if err := n.checkRunning(); err != nil {
		return types.EmptyNodeID, err
	}
	return n.host.Connect(ctx, addr)
}

// ════════════════════════════════════════════════════════════════════════════
//                              发布订阅
// ════════════════════════════════════════════════════════════════════════════

// Subscribe 订阅主题
func (n *Node) Subscribe(topic string) (*Subscription, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	sub, err := n.router.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	return &Subscription{sub: sub}, nil
}

// Publish 向主题发布消息
//
// 没有可达对端时同样成功，错误均包装 ErrPublish。
func (n *Node) Publish(ctx context.Context, topic string, payload []byte) (types.MessageID, error) {
	if err := n.checkRunning(); err != nil {
		return types.MessageID{}, fmt.Errorf("%w: %w", types.ErrPublish, err)
	}
	return n.router.Publish(ctx, topic, payload)
}

// TopicPeers 返回通告订阅了主题的已连接节点
func (n *Node) TopicPeers(topic string) []types.NodeID {
	return n.router.TopicPeers(topic)
}

// MeshPeers 返回主题的网格成员
func (n *Node) MeshPeers(topic string) []types.NodeID {
	return n.router.MeshPeers(topic)
}
