package gossipsub

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/dht"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/metrics"
)

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Config   *config.Config
	Host     *host.Host
	Identity *identity.Identity
	DHT      *dht.DHT         `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Router *Router
}

// ProvideRouter 提供 GossipSub 路由器
func ProvideRouter(input ModuleInput) (ModuleOutput, error) {
	opts := []Option{WithMetrics(input.Metrics)}
	if input.DHT != nil {
		opts = append(opts, WithPeerDirectory(input.DHT))
	}

	r, err := New(input.Host, input.Identity, input.Config.Gossip, opts...)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Router: r}, nil
}

func registerLifecycle(lc fx.Lifecycle, r *Router) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return r.Start(ctx)
		},
		OnStop: func(context.Context) error {
			return r.Stop()
		},
	})
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("gossipsub",
		fx.Provide(ProvideRouter),
		fx.Invoke(registerLifecycle),
	)
}
