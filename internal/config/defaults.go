package config

import "time"

// DefaultListenAddrs 默认监听地址
func DefaultListenAddrs() []string {
	return []string{"0.0.0.0:0"}
}

// DefaultIdentityConfig 默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{}
}

// DefaultTransportConfig 默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:         10 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		MaxFrameSize:        4 << 20,
		KeepAliveInterval:   30 * time.Second,
		MaxStreamWindowSize: 16 << 20,
		StreamOpenTimeout:   10 * time.Second,
	}
}

// DefaultDHTConfig 默认 DHT 配置
func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		BucketSize:       20,
		Alpha:            3,
		MaxRounds:        10,
		LookupTimeout:    10 * time.Second,
		QueryTimeout:     3 * time.Second,
		RefreshInterval:  time.Minute,
		BucketStaleAfter: 10 * time.Minute,
		StaleAfter:       30 * time.Minute,
		DeadGrace:        2 * time.Minute,
		MaxFailures:      5,
	}
}

// DefaultGossipConfig 默认 GossipSub 配置
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		D:                     6,
		Dlo:                   4,
		Dhi:                   12,
		Dlazy:                 6,
		HeartbeatInterval:     time.Second,
		HeartbeatInitialDelay: 100 * time.Millisecond,
		FanoutTTL:             60 * time.Second,
		HistoryLength:         5,
		HistoryGossip:         3,
		MaxIHaveLength:        5000,
		SeenTTL:               2 * time.Minute,
		SeenCacheSize:         100_000,
		MaxMessageSize:        1 << 20,
		PruneBackoff:          time.Minute,
		PeerRateLimit:         100,
		PeerRateBurst:         200,
		RateLimitCooldown:     10 * time.Second,
		MaxProbeFailures:      5,
		ProbeIdleHeartbeats:   3,
		ProbeTimeout:          500 * time.Millisecond,
		OutboxSize:            256,
		SubscriptionBuffer:    128,
		ShutdownGrace:         2 * time.Second,
	}
}

// DefaultDiscoveryConfig 默认发现桥配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Enabled:        true,
		Topic:          "_peer-discovery._p2p._pubsub",
		Interval:       time.Second,
		DialDiscovered: true,
		KnownLimit:     4096,
	}
}

// DefaultStorageConfig 默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		FlushInterval: 30 * time.Second,
	}
}

// DefaultMetricsConfig 默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{}
}
