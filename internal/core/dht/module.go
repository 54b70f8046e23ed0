package dht

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/metrics"
)

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Config  *config.Config
	Host    *host.Host
	Metrics *metrics.Metrics `optional:"true"`

	// PeerStore 路由表持久化（可选）
	PeerStore PeerStore `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	DHT *DHT
}

// ProvideDHT 提供 DHT
func ProvideDHT(input ModuleInput) ModuleOutput {
	opts := []Option{WithMetrics(input.Metrics)}
	if input.PeerStore != nil {
		opts = append(opts, WithPeerStore(input.PeerStore, input.Config.Storage.FlushInterval))
	}
	return ModuleOutput{DHT: New(input.Host, input.Config.DHT, opts...)}
}

func registerLifecycle(lc fx.Lifecycle, d *DHT) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return d.Start(ctx)
		},
		OnStop: func(context.Context) error {
			return d.Stop()
		},
	})
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("dht",
		fx.Provide(ProvideDHT),
		fx.Invoke(registerLifecycle),
	)
}
