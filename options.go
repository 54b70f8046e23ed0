package overlay

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// Option 节点配置选项
type Option func(*nodeConfig) error

// nodeConfig 节点内部配置
type nodeConfig struct {
	config *config.Config

	// identity 直接注入的身份，优先于密钥文件
	identity *identity.Identity

	// channel 外部注入的安全通道
	channel interfaces.SecureChannel

	// bootstrapPeers 启动后连接的种子地址
	bootstrapPeers []string

	// fxOptions 用户自定义 fx 选项
	fxOptions []fx.Option
}

func newNodeConfig() *nodeConfig {
	return &nodeConfig{config: config.NewConfig()}
}

// WithListenAddrs 设置监听地址（host:port）
func WithListenAddrs(addrs ...string) Option {
	return func(c *nodeConfig) error {
		if len(addrs) == 0 {
			return errors.New("listen addrs empty")
		}
		c.config.ListenAddrs = addrs
		return nil
	}
}

// WithKeyFile 设置身份密钥文件，不存在时生成并保存
func WithKeyFile(path string) Option {
	return func(c *nodeConfig) error {
		c.config.Identity.KeyFile = path
		return nil
	}
}

// WithIdentity 直接使用给定身份
func WithIdentity(id *identity.Identity) Option {
	return func(c *nodeConfig) error {
		if id == nil {
			return errors.New("identity is nil")
		}
		c.identity = id
		return nil
	}
}

// WithSecureChannel 使用外部安全通道替代 TCP 传输
//
// 通道的 LocalID 必须与节点身份一致，通常与 WithIdentity 一起使用。
func WithSecureChannel(sc interfaces.SecureChannel) Option {
	return func(c *nodeConfig) error {
		if sc == nil {
			return errors.New("secure channel is nil")
		}
		c.channel = sc
		return nil
	}
}

// WithDataDir 设置数据目录，路由表在此持久化
func WithDataDir(dir string) Option {
	return func(c *nodeConfig) error {
		c.config.Storage.DataDir = dir
		return nil
	}
}

// WithMetricsAddr 设置 /metrics 监听地址
func WithMetricsAddr(addr string) Option {
	return func(c *nodeConfig) error {
		c.config.Metrics.ListenAddr = addr
		return nil
	}
}

// WithBootstrapPeers 设置种子节点地址，Start 后自动引导
func WithBootstrapPeers(addrs ...string) Option {
	return func(c *nodeConfig) error {
		c.bootstrapPeers = append(c.bootstrapPeers, addrs...)
		return nil
	}
}

// WithHeartbeatInterval 设置 gossip 心跳间隔
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *nodeConfig) error {
		if d <= 0 {
			return fmt.Errorf("invalid heartbeat interval %s", d)
		}
		c.config.Gossip.HeartbeatInterval = d
		if c.config.Gossip.HeartbeatInitialDelay > d {
			c.config.Gossip.HeartbeatInitialDelay = d
		}
		return nil
	}
}

// WithConfig 直接修改内部配置
func WithConfig(fn func(*config.Config)) Option {
	return func(c *nodeConfig) error {
		fn(c.config)
		return nil
	}
}

// WithFxOptions 追加 fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(c *nodeConfig) error {
		c.fxOptions = append(c.fxOptions, opts...)
		return nil
	}
}
