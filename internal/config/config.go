// Package config 提供 overlay 配置管理层
//
// config 包负责：
// - 定义内部配置结构
// - 提供默认值
// - 配置校验
package config

import "time"

// Config 内部配置结构
type Config struct {
	// ListenAddrs 监听地址（host:port）
	ListenAddrs []string

	// BootstrapPeers 启动时连接的种子地址
	BootstrapPeers []string

	// Identity 身份配置
	Identity IdentityConfig

	// Transport 传输配置
	Transport TransportConfig

	// DHT 路由表与查找配置
	DHT DHTConfig

	// Gossip 发布订阅配置
	Gossip GossipConfig

	// Discovery 发现桥配置
	Discovery DiscoveryConfig

	// Storage 持久化配置
	Storage StorageConfig

	// Metrics 指标配置
	Metrics MetricsConfig
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		ListenAddrs: DefaultListenAddrs(),
		Identity:    DefaultIdentityConfig(),
		Transport:   DefaultTransportConfig(),
		DHT:         DefaultDHTConfig(),
		Gossip:      DefaultGossipConfig(),
		Discovery:   DefaultDiscoveryConfig(),
		Storage:     DefaultStorageConfig(),
		Metrics:     DefaultMetricsConfig(),
	}
}

// ============================================================================
//                              身份配置
// ============================================================================

// IdentityConfig 身份配置
type IdentityConfig struct {
	// KeyFile 密钥文件路径
	// 为空时每次启动生成临时身份
	KeyFile string
}

// ============================================================================
//                              传输配置
// ============================================================================

// TransportConfig 传输配置（TCP + Noise + yamux）
type TransportConfig struct {
	// DialTimeout 拨号超时（含握手）
	DialTimeout time.Duration

	// HandshakeTimeout Noise 握手超时
	HandshakeTimeout time.Duration

	// MaxFrameSize 单帧最大字节数
	MaxFrameSize int

	// KeepAliveInterval yamux 保活间隔
	KeepAliveInterval time.Duration

	// MaxStreamWindowSize yamux 流窗口上限
	MaxStreamWindowSize uint32

	// StreamOpenTimeout 打开流超时
	StreamOpenTimeout time.Duration
}

// ============================================================================
//                              DHT 配置
// ============================================================================

// DHTConfig Kademlia 配置
type DHTConfig struct {
	// BucketSize K 桶容量 k
	BucketSize int

	// Alpha 查找并发度
	Alpha int

	// MaxRounds 单次查找最大轮数
	MaxRounds int

	// LookupTimeout 单次查找总超时
	LookupTimeout time.Duration

	// QueryTimeout 单个 FIND_NODE/PING 请求超时
	QueryTimeout time.Duration

	// RefreshInterval 刷新检查间隔
	RefreshInterval time.Duration

	// BucketStaleAfter 桶多久未刷新视为过期
	BucketStaleAfter time.Duration

	// StaleAfter 节点多久未见降级为 stale
	StaleAfter time.Duration

	// DeadGrace dead 节点保留的宽限期
	DeadGrace time.Duration

	// MaxFailures 连续失败多少次判定为 dead
	MaxFailures int
}

// ============================================================================
//                              GossipSub 配置
// ============================================================================

// GossipConfig 发布订阅配置
type GossipConfig struct {
	// D 目标网格度数
	D int
	// Dlo 网格度数下限
	Dlo int
	// Dhi 网格度数上限
	Dhi int
	// Dlazy IHAVE 发送对象数
	Dlazy int

	// HeartbeatInterval 心跳间隔
	HeartbeatInterval time.Duration
	// HeartbeatInitialDelay 首次心跳延迟
	HeartbeatInitialDelay time.Duration

	// FanoutTTL fanout 过期时间
	FanoutTTL time.Duration

	// HistoryLength 消息缓存窗口数
	HistoryLength int
	// HistoryGossip IHAVE 覆盖的窗口数
	HistoryGossip int
	// MaxIHaveLength 单个 IHAVE 最多包含的消息 ID
	MaxIHaveLength int

	// SeenTTL 去重缓存存活时间
	SeenTTL time.Duration
	// SeenCacheSize 去重缓存容量
	SeenCacheSize int

	// MaxMessageSize 负载最大字节数
	MaxMessageSize int

	// PruneBackoff PRUNE 后的重新 GRAFT 退避时间
	PruneBackoff time.Duration

	// PeerRateLimit 单个对端每秒入站消息上限
	PeerRateLimit float64
	// PeerRateBurst 入站突发上限
	PeerRateBurst int
	// RateLimitCooldown 超限后的冷却窗口
	RateLimitCooldown time.Duration

	// MaxProbeFailures 连续探测失败多少次后移出网格
	MaxProbeFailures int
	// ProbeIdleHeartbeats 网格成员静默多少个心跳后探测
	ProbeIdleHeartbeats int
	// ProbeTimeout 单次探测超时
	ProbeTimeout time.Duration

	// OutboxSize 每个对端的发送队列长度
	OutboxSize int
	// SubscriptionBuffer 每个订阅的投递缓冲
	SubscriptionBuffer int

	// ShutdownGrace 关闭时等待 PRUNE 发送的时间
	ShutdownGrace time.Duration
}

// ============================================================================
//                              发现配置
// ============================================================================

// DiscoveryConfig 发现桥配置
type DiscoveryConfig struct {
	// Enabled 是否启用
	Enabled bool

	// Topic 广播主题
	Topic string

	// Interval 广播间隔
	Interval time.Duration

	// DialDiscovered 是否主动连接发现的节点
	DialDiscovered bool

	// KnownLimit 记录已发现节点的上限，超出时淘汰最久未通告的节点
	KnownLimit int
}

// ============================================================================
//                              存储配置
// ============================================================================

// StorageConfig 路由表持久化配置
type StorageConfig struct {
	// DataDir 数据目录，为空时不持久化
	DataDir string

	// InMemory 使用内存模式（测试）
	InMemory bool

	// FlushInterval 定期保存间隔
	FlushInterval time.Duration
}

// ============================================================================
//                              指标配置
// ============================================================================

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// ListenAddr /metrics HTTP 监听地址，为空时不启动
	ListenAddr string
}
