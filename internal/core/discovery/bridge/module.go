package bridge

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/config"
	"github.com/dep2p/go-overlay/internal/core/dht"
	"github.com/dep2p/go-overlay/internal/core/host"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/messaging/gossipsub"
)

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Config   *config.Config
	Host     *host.Host
	Identity *identity.Identity
	Router   *gossipsub.Router
	DHT      *dht.DHT
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Bridge *Bridge
}

// ProvideBridge 提供发现桥，禁用时返回 nil
func ProvideBridge(input ModuleInput) ModuleOutput {
	if !input.Config.Discovery.Enabled {
		return ModuleOutput{}
	}
	return ModuleOutput{
		Bridge: New(input.Config.Discovery, input.Host, input.Identity, input.Router, input.DHT),
	}
}

func registerLifecycle(lc fx.Lifecycle, b *Bridge) {
	if b == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return b.Start(ctx)
		},
		OnStop: func(context.Context) error {
			return b.Stop()
		},
	})
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("discovery-bridge",
		fx.Provide(ProvideBridge),
		fx.Invoke(registerLifecycle),
	)
}
